package records_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/calvinalkan/docdb/internal/records"
)

var now = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// apply runs m on doc the way a transaction would.
func apply(t *testing.T, doc *records.Document, m records.Mutator) (bool, error) {
	t.Helper()

	return m(doc)
}

func mustApply(t *testing.T, doc *records.Document, m records.Mutator) {
	t.Helper()

	changed, err := m(doc)
	require.NoError(t, err)
	require.True(t, changed, "mutator reported no change")
}

func clone(t *testing.T, doc records.Document) records.Document {
	t.Helper()

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var out records.Document
	require.NoError(t, json.Unmarshal(data, &out))

	return out
}

func cheapHash(t *testing.T, password string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	return string(hash)
}

// docWithAdmins returns a default document with active administrators.
func docWithAdmins(t *testing.T, names ...string) records.Document {
	t.Helper()

	doc := records.Default()
	for _, name := range names {
		doc.Users = append(doc.Users, records.User{
			Username: name,
			Password: cheapHash(t, name+"-pw"),
			Role:     records.RoleAdministrator,
			Status:   records.StatusActive,
		})
	}

	return doc
}

func Test_Default_Has_Builtin_Roles_And_Empty_Collections(t *testing.T) {
	t.Parallel()

	doc := records.Default()

	want := records.Document{
		Users:         []records.User{},
		Roles:         []string{records.RoleAdministrator, records.RoleUser},
		Patients:      []records.Patient{},
		ActivityLog:   []records.Activity{},
		Notifications: []records.Notification{},
		Files:         []records.File{},
	}

	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("Default mismatch (-want +got):\n%s", diff)
	}
}

func Test_Document_Decodes_Missing_Collections_As_Empty_When_Normalized(t *testing.T) {
	t.Parallel()

	var doc records.Document
	require.NoError(t, json.Unmarshal([]byte(`{"activeUser":null,"users":[],"roles":["Administrator","User"],"lastActivity":null,"activityLog":[]}`), &doc))

	doc.Normalize()

	if doc.Notifications == nil || doc.Files == nil || doc.Patients == nil {
		t.Fatalf("collections still nil after Normalize: %+v", doc)
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"files":[]`)
}

func Test_CreateUser_Activates_Account_When_Created_By_Administrator(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")

	mustApply(t, &doc, records.CreateUser(records.NewUser{
		Username:     "alice",
		PasswordHash: "hash",
		Role:         records.RoleUser,
		CreatedBy:    "root",
	}, now))

	u := doc.FindUser("alice")
	require.NotNil(t, u)
	assert.Equal(t, records.StatusActive, u.Status)
	assert.Empty(t, doc.Notifications, "no approval request for admin-created accounts")

	want := []records.Activity{{
		Timestamp: now.UnixMilli(),
		User:      "root",
		Action:    "Created user",
		Details:   "Username: alice, Role: User",
	}}
	if diff := cmp.Diff(want, doc.ActivityLog); diff != "" {
		t.Fatalf("activity mismatch (-want +got):\n%s", diff)
	}
}

func Test_CreateUser_Requests_Approval_When_Created_By_Non_Administrator(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root", "ops")

	mustApply(t, &doc, records.CreateUser(records.NewUser{
		Username:     "bob",
		PasswordHash: "hash",
		Role:         records.RoleUser,
		CreatedBy:    "Public",
	}, now))

	assert.Equal(t, records.StatusPending, doc.FindUser("bob").Status)
	assert.Len(t, doc.PendingUsers(), 1)

	for _, admin := range []string{"root", "ops"} {
		got := doc.NotificationsFor(admin)
		require.Len(t, got, 1, "notifications for %s", admin)
		assert.Equal(t, records.NotifyUserRequest, got[0].Type)
		assert.Equal(t, "New account request: bob (User)", got[0].Message)
		assert.False(t, got[0].Read)
	}
}

func Test_CreateUser_Leaves_Document_Unchanged_When_Username_Taken(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	before := clone(t, doc)

	changed, err := apply(t, &doc, records.CreateUser(records.NewUser{
		Username:     "root",
		PasswordHash: "hash",
		Role:         records.RoleUser,
	}, now))
	if !errors.Is(err, records.ErrUserExists) {
		t.Fatalf("CreateUser duplicate: err=%v, want %v", err, records.ErrUserExists)
	}

	assert.False(t, changed)

	if diff := cmp.Diff(before, doc); diff != "" {
		t.Fatalf("document changed (-before +after):\n%s", diff)
	}
}

func Test_CreateUser_Returns_ErrMissingField_When_Field_Empty(t *testing.T) {
	t.Parallel()

	tests := []records.NewUser{
		{PasswordHash: "h", Role: "User"},
		{Username: "a", Role: "User"},
		{Username: "a", PasswordHash: "h"},
	}

	for _, req := range tests {
		doc := records.Default()

		if _, err := apply(t, &doc, records.CreateUser(req, now)); !errors.Is(err, records.ErrMissingField) {
			t.Fatalf("CreateUser(%+v): err=%v, want %v", req, err, records.ErrMissingField)
		}
	}
}

func Test_ApproveUser_Notifies_Requester_When_Account_Was_Pending(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	doc.Users = append(doc.Users, records.User{Username: "bob", Role: "User", Status: records.StatusPending, CreatedBy: "root"})

	mustApply(t, &doc, records.ApproveUser("root", "bob", now))

	assert.Equal(t, records.StatusActive, doc.FindUser("bob").Status)

	got := doc.NotificationsFor("root")
	require.Len(t, got, 1)
	assert.Equal(t, records.NotifyAccountApproved, got[0].Type)

	changed, err := apply(t, &doc, records.ApproveUser("root", "bob", now))
	require.NoError(t, err)
	assert.False(t, changed, "approving an active account")
}

func Test_RejectUser_Removes_Account_When_Present(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	doc.Users = append(doc.Users, records.User{Username: "bob", Status: records.StatusPending})

	mustApply(t, &doc, records.RejectUser("root", "bob", now))
	assert.Nil(t, doc.FindUser("bob"))

	notes := doc.NotificationsFor("bob")
	require.Len(t, notes, 1)
	assert.Equal(t, records.NotifyAccountRejected, notes[0].Type)
	assert.Equal(t, "Your account has been rejected.", notes[0].Message)
	assert.False(t, notes[0].Read)

	_, err := apply(t, &doc, records.RejectUser("root", "bob", now))
	assert.ErrorIs(t, err, records.ErrUserNotFound)
}

func Test_UpdateUser_Reports_No_Change_When_Role_Same_And_No_Password(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")

	changed, err := apply(t, &doc, records.UpdateUser("root", "root", records.RoleAdministrator, "", now))
	require.NoError(t, err)
	assert.False(t, changed)

	mustApply(t, &doc, records.UpdateUser("root", "root", records.RoleAdministrator, "new-hash", now))
	assert.Equal(t, "new-hash", doc.FindUser("root").Password)
	assert.Equal(t, "Username: root, New role: Administrator, password changed", doc.ActivityLog[0].Details)
}

func Test_DeleteUser_Returns_ErrUserNotFound_When_Absent(t *testing.T) {
	t.Parallel()

	doc := records.Default()

	_, err := apply(t, &doc, records.DeleteUser("root", "ghost", now))
	if !errors.Is(err, records.ErrUserNotFound) {
		t.Fatalf("DeleteUser: err=%v, want %v", err, records.ErrUserNotFound)
	}
}

func Test_Login_Sets_Active_User_When_Credentials_Valid(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")

	mustApply(t, &doc, records.Login("root", "root-pw", 10*time.Minute, now))

	require.NotNil(t, doc.ActiveUser)
	assert.Equal(t, "root", *doc.ActiveUser)
	assert.Equal(t, now.UnixMilli(), *doc.LastActivity)
}

func Test_Login_Fails_When_Credentials_Invalid_Or_System_Busy(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root", "ops")
	doc.Users = append(doc.Users, records.User{Username: "bob", Password: cheapHash(t, "bob-pw"), Status: records.StatusPending})

	_, err := apply(t, &doc, records.Login("root", "wrong", time.Minute, now))
	assert.ErrorIs(t, err, records.ErrInvalidCredentials)

	_, err = apply(t, &doc, records.Login("bob", "bob-pw", time.Minute, now))
	assert.ErrorIs(t, err, records.ErrInvalidCredentials, "pending accounts cannot log in")

	mustApply(t, &doc, records.Login("root", "root-pw", time.Minute, now))

	_, err = apply(t, &doc, records.Login("ops", "ops-pw", time.Minute, now.Add(30*time.Second)))
	assert.ErrorIs(t, err, records.ErrSystemBusy)

	// root went idle; ops takes over.
	mustApply(t, &doc, records.Login("ops", "ops-pw", time.Minute, now.Add(2*time.Minute)))
	assert.Equal(t, "ops", *doc.ActiveUser)
}

func Test_Logout_Clears_Active_User_When_Same_User(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	mustApply(t, &doc, records.Login("root", "root-pw", time.Minute, now))

	changed, err := apply(t, &doc, records.Logout("someone-else"))
	require.NoError(t, err)
	assert.False(t, changed)

	mustApply(t, &doc, records.Logout("root"))
	assert.Nil(t, doc.ActiveUser)
	assert.Nil(t, doc.LastActivity)
}

func Test_Touch_Updates_Last_Activity_When_User_Active(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	mustApply(t, &doc, records.Login("root", "root-pw", time.Minute, now))

	later := now.Add(time.Minute)
	mustApply(t, &doc, records.Touch("root", later))
	assert.Equal(t, later.UnixMilli(), *doc.LastActivity)

	changed, err := apply(t, &doc, records.Touch("bob", later))
	require.NoError(t, err)
	assert.False(t, changed)
}

func Test_Chain_Stops_At_First_Error_When_A_Mutator_Fails(t *testing.T) {
	t.Parallel()

	doc := docWithAdmins(t, "root")
	mustApply(t, &doc, records.Login("root", "root-pw", time.Minute, now))

	later := now.Add(time.Minute)
	mustApply(t, &doc, records.Chain(
		records.LogActivity("root", "Viewed ward", "", later),
		records.Touch("root", later),
	))
	assert.Equal(t, later.UnixMilli(), *doc.LastActivity)
	require.Len(t, doc.ActivityLog, 1)

	changed, err := apply(t, &doc, records.Chain(
		records.LogActivity("root", "", "", later),
		records.Touch("root", later.Add(time.Minute)),
	))
	require.ErrorIs(t, err, records.ErrMissingField)
	assert.False(t, changed)
}
