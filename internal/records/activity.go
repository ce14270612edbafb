package records

import "time"

// LogActivity appends an entry to the activity log.
func LogActivity(user, action, details string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if action == "" {
			return false, missing("action")
		}

		d.logActivity(now, user, action, details)

		return true, nil
	}
}

// Touch records activity of the active user. Other users change nothing.
func Touch(username string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if d.ActiveUser == nil || *d.ActiveUser != username {
			return false, nil
		}

		ts := millis(now)
		d.LastActivity = &ts

		return true, nil
	}
}

func (d *Document) logActivity(now time.Time, user, action, details string) {
	d.ActivityLog = append(d.ActivityLog, Activity{
		Timestamp: millis(now),
		User:      user,
		Action:    action,
		Details:   details,
	})
}
