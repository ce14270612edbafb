package records

import (
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used for new password hashes.
const PasswordCost = 10

// HashPassword hashes password for [User.Password]. Hash outside of
// transactions: bcrypt is slow on purpose and the lock should not wait on it.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", missing("password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

// NewUser describes an account to create.
type NewUser struct {
	Username     string
	PasswordHash string
	Role         string

	// CreatedBy is the requesting user. Accounts created by an
	// administrator are active immediately, all others wait for approval.
	CreatedBy string
}

// CreateUser adds an account. A taken username leaves the document as is and
// fails with [ErrUserExists].
func CreateUser(req NewUser, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		switch {
		case req.Username == "":
			return false, missing("username")
		case req.PasswordHash == "":
			return false, missing("password")
		case req.Role == "":
			return false, missing("role")
		}

		if d.FindUser(req.Username) != nil {
			return false, fmt.Errorf("%w: %s", ErrUserExists, req.Username)
		}

		status := StatusPending
		if d.isAdmin(req.CreatedBy) {
			status = StatusActive
		}

		d.Users = append(d.Users, User{
			Username:  req.Username,
			Password:  req.PasswordHash,
			Role:      req.Role,
			Status:    status,
			CreatedBy: req.CreatedBy,
		})

		action := "Account requested"
		if status == StatusActive {
			action = "Created user"
		}

		d.logActivity(now, req.CreatedBy, action, fmt.Sprintf("Username: %s, Role: %s", req.Username, req.Role))

		if status == StatusPending {
			d.notifyAdmins(now, NotifyUserRequest,
				fmt.Sprintf("New account request: %s (%s)", req.Username, req.Role), req.Username)
		}

		return true, nil
	}
}

// UpdateUser sets username's role and, if passwordHash is not empty, its
// password.
func UpdateUser(actor, username, role, passwordHash string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if username == "" {
			return false, missing("username")
		}

		if role == "" {
			return false, missing("role")
		}

		u := d.FindUser(username)
		if u == nil {
			return false, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}

		if u.Role == role && passwordHash == "" {
			return false, nil
		}

		u.Role = role
		details := fmt.Sprintf("Username: %s, New role: %s", username, role)

		if passwordHash != "" {
			u.Password = passwordHash
			details += ", password changed"
		}

		d.logActivity(now, actor, "Updated user", details)

		return true, nil
	}
}

// DeleteUser removes username.
func DeleteUser(actor, username string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if !d.removeUser(username) {
			return false, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}

		d.logActivity(now, actor, "Deleted user", "Username: "+username)

		return true, nil
	}
}

// ApproveUser activates a pending account and notifies whoever requested it.
// Approving an active account changes nothing.
func ApproveUser(actor, username string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		u := d.FindUser(username)
		if u == nil {
			return false, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}

		if u.Status == StatusActive {
			return false, nil
		}

		u.Status = StatusActive
		createdBy := u.CreatedBy

		d.logActivity(now, actor, "Approved user", "Username: "+username)

		if createdBy != "" {
			d.notifyUser(now, createdBy, NotifyAccountApproved,
				fmt.Sprintf("Your account request for %s has been approved by the administrator.", username))
		}

		return true, nil
	}
}

// RejectUser removes a pending account. The rejection notice is addressed
// to username and queued before the account goes.
func RejectUser(actor, username string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if d.FindUser(username) == nil {
			return false, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}

		d.notifyUser(now, username, NotifyAccountRejected, "Your account has been rejected.")
		d.removeUser(username)

		d.logActivity(now, actor, "Rejected user", "Username: "+username)

		return true, nil
	}
}

// Login makes username the active user.
//
// While another user was active within maxIdle, login fails with
// [ErrSystemBusy]. A longer idle active user is replaced.
func Login(username, password string, maxIdle time.Duration, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if d.ActiveUser != nil && *d.ActiveUser != username {
			last := int64(0)
			if d.LastActivity != nil {
				last = *d.LastActivity
			}

			if millis(now)-last <= maxIdle.Milliseconds() {
				return false, fmt.Errorf("%w: %s", ErrSystemBusy, *d.ActiveUser)
			}
		}

		u := d.FindUser(username)
		if u == nil || u.Status != StatusActive {
			return false, ErrInvalidCredentials
		}

		if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
			return false, ErrInvalidCredentials
		}

		ts := millis(now)
		d.ActiveUser = &username
		d.LastActivity = &ts

		return true, nil
	}
}

// Logout clears the active user if it is username.
func Logout(username string) Mutator {
	return func(d *Document) (bool, error) {
		if d.ActiveUser == nil || *d.ActiveUser != username {
			return false, nil
		}

		d.ActiveUser = nil
		d.LastActivity = nil

		return true, nil
	}
}

func (d *Document) removeUser(username string) bool {
	n := len(d.Users)
	d.Users = slices.DeleteFunc(d.Users, func(u User) bool { return u.Username == username })

	return len(d.Users) != n
}
