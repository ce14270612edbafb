// Package records defines the document shared by the clinic backends and the
// mutators that change it.
//
// Every mutator is a [docdb.Mutator] meant to run inside [docdb.Store.Update].
// Mutators validate against the document they are given, which is the
// freshly reloaded one, so checks like "username already taken" see every
// change committed by other processes.
package records

import (
	"cmp"
	"slices"
	"time"

	"github.com/calvinalkan/docdb/pkg/docdb"
)

// Mutator changes a [Document] inside a transaction.
type Mutator = docdb.Mutator[Document]

// Chain runs ms in order in one transaction. The first error stops the chain
// and is returned; the transaction then writes nothing.
func Chain(ms ...Mutator) Mutator {
	return func(d *Document) (bool, error) {
		changed := false

		for _, m := range ms {
			c, err := m(d)
			if err != nil {
				return false, err
			}

			changed = changed || c
		}

		return changed, nil
	}
}

// Built-in roles. They cannot be renamed away or deleted.
const (
	RoleAdministrator = "Administrator"
	RoleUser          = "User"
)

// User statuses.
const (
	StatusActive  = "active"
	StatusPending = "pending"
)

// Notification types.
const (
	NotifyUserRequest     = "USER_REQUEST"
	NotifyAccountApproved = "ACCOUNT_APPROVED"
	NotifyAccountRejected = "ACCOUNT_REJECTED"
	NotifyFileUpload      = "FILE_UPLOAD"
)

// Document is the whole persisted state.
type Document struct {
	// ActiveUser is the user currently working in the system, nil if nobody.
	ActiveUser *string `json:"activeUser"`
	// LastActivity is the active user's last action in Unix milliseconds.
	LastActivity *int64 `json:"lastActivity"`

	Users         []User         `json:"users"`
	Roles         []string       `json:"roles"`
	Patients      []Patient      `json:"patients"`
	ActivityLog   []Activity     `json:"activityLog"`
	Notifications []Notification `json:"notifications"`
	Files         []File         `json:"files"`
}

type User struct {
	Username string `json:"username"`
	// Password is a bcrypt hash.
	Password  string `json:"password"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	CreatedBy string `json:"createdBy,omitempty"`
}

type Patient struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	ContactNumber  string `json:"contactNumber"`
	MedicalHistory string `json:"medicalHistory"`
	Ward           string `json:"ward"`
}

type Activity struct {
	Timestamp int64  `json:"timestamp"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Details   string `json:"details"`
}

type Notification struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Type      string `json:"type,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
}

// File is an uploaded file's metadata. The content lives outside the document.
type File struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	Filename string `json:"filename"`
	Uploader string `json:"uploader"`
	Date     int64  `json:"date"`
}

// Default returns the document a new deployment starts with.
func Default() Document {
	doc := Document{Roles: []string{RoleAdministrator, RoleUser}}
	doc.Normalize()

	return doc
}

// Normalize replaces missing collections with empty ones, so documents
// written by older versions stay readable.
func (d *Document) Normalize() {
	if d.Users == nil {
		d.Users = []User{}
	}

	if d.Roles == nil {
		d.Roles = []string{}
	}

	if d.Patients == nil {
		d.Patients = []Patient{}
	}

	if d.ActivityLog == nil {
		d.ActivityLog = []Activity{}
	}

	if d.Notifications == nil {
		d.Notifications = []Notification{}
	}

	if d.Files == nil {
		d.Files = []File{}
	}
}

// FindUser returns the user named username, or nil.
func (d *Document) FindUser(username string) *User {
	i := slices.IndexFunc(d.Users, func(u User) bool { return u.Username == username })
	if i < 0 {
		return nil
	}

	return &d.Users[i]
}

// PendingUsers returns users awaiting approval, in creation order.
func (d *Document) PendingUsers() []User {
	var pending []User

	for _, u := range d.Users {
		if u.Status == StatusPending {
			pending = append(pending, u)
		}
	}

	return pending
}

// NotificationsFor returns username's notifications, newest first.
func (d *Document) NotificationsFor(username string) []Notification {
	var out []Notification

	for _, n := range d.Notifications {
		if n.User == username {
			out = append(out, n)
		}
	}

	slices.SortStableFunc(out, func(a, b Notification) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})

	return out
}

// RecentFiles returns up to n files, newest upload first.
func (d *Document) RecentFiles(n int) []File {
	files := slices.Clone(d.Files)
	slices.SortStableFunc(files, func(a, b File) int {
		return cmp.Compare(b.Date, a.Date)
	})

	return files[:min(max(n, 0), len(files))]
}

// HasRole reports whether role exists.
func (d *Document) HasRole(role string) bool {
	return slices.Contains(d.Roles, role)
}

func (d *Document) isAdmin(username string) bool {
	u := d.FindUser(username)

	return u != nil && u.Role == RoleAdministrator
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
