package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notify sends message to target. Target [RoleAdministrator] fans out to
// every administrator except excludeUser. Fanning out to no administrator
// changes nothing.
func Notify(target, typ, message, excludeUser string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if message == "" {
			return false, missing("message")
		}

		if target == RoleAdministrator {
			return d.notifyAdmins(now, typ, message, excludeUser) > 0, nil
		}

		if !d.notifyUser(now, target, typ, message) {
			return false, fmt.Errorf("%w: %s", ErrUserNotFound, target)
		}

		return true, nil
	}
}

// MarkNotificationRead marks notification id of username as read.
func MarkNotificationRead(id, username string) Mutator {
	return func(d *Document) (bool, error) {
		for i := range d.Notifications {
			n := &d.Notifications[i]
			if n.ID != id || n.User != username {
				continue
			}

			if n.Read {
				return false, nil
			}

			n.Read = true

			return true, nil
		}

		return false, ErrNotificationNotFound
	}
}

// MarkAllNotificationsRead marks every notification of username as read.
func MarkAllNotificationsRead(username string) Mutator {
	return func(d *Document) (bool, error) {
		changed := false

		for i := range d.Notifications {
			n := &d.Notifications[i]
			if n.User == username && !n.Read {
				n.Read = true
				changed = true
			}
		}

		return changed, nil
	}
}

// DeleteNotification removes notification id. Deleting an unknown id
// changes nothing.
func DeleteNotification(id string) Mutator {
	return func(d *Document) (bool, error) {
		for i, n := range d.Notifications {
			if n.ID == id {
				d.Notifications = append(d.Notifications[:i], d.Notifications[i+1:]...)

				return true, nil
			}
		}

		return false, nil
	}
}

func (d *Document) notifyUser(now time.Time, username, typ, message string) bool {
	if d.FindUser(username) == nil {
		return false
	}

	d.Notifications = append(d.Notifications, Notification{
		ID:        uuid.NewString(),
		User:      username,
		Type:      typ,
		Message:   message,
		Timestamp: millis(now),
	})

	return true
}

// notifyAdmins returns the number of notifications added.
func (d *Document) notifyAdmins(now time.Time, typ, message, excludeUser string) int {
	sent := 0

	for _, u := range d.Users {
		if u.Role != RoleAdministrator || u.Username == excludeUser {
			continue
		}

		d.Notifications = append(d.Notifications, Notification{
			ID:        uuid.NewString(),
			User:      u.Username,
			Type:      typ,
			Message:   message,
			Timestamp: millis(now),
		})
		sent++
	}

	return sent
}
