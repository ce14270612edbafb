package records

import (
	"fmt"
	"slices"
	"time"
)

// NewPatient describes a patient to admit.
type NewPatient struct {
	Name           string
	ContactNumber  string
	MedicalHistory string
	Ward           string
}

// CreatePatient adds a patient with the next id, one more than the last
// patient's. It stores the id in *id if id is not nil.
func CreatePatient(actor string, req NewPatient, now time.Time, id *int) Mutator {
	return func(d *Document) (bool, error) {
		switch {
		case req.Name == "":
			return false, missing("name")
		case req.ContactNumber == "":
			return false, missing("contact number")
		case req.MedicalHistory == "":
			return false, missing("medical history")
		case req.Ward == "":
			return false, missing("ward")
		}

		next := 1
		if n := len(d.Patients); n > 0 {
			next = d.Patients[n-1].ID + 1
		}

		d.Patients = append(d.Patients, Patient{
			ID:             next,
			Name:           req.Name,
			ContactNumber:  req.ContactNumber,
			MedicalHistory: req.MedicalHistory,
			Ward:           req.Ward,
		})
		d.logActivity(now, actor, "Created patient", fmt.Sprintf("ID: %d, Name: %s", next, req.Name))

		if id != nil {
			*id = next
		}

		return true, nil
	}
}

// DeletePatient removes patient id.
func DeletePatient(actor string, id int, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		i := slices.IndexFunc(d.Patients, func(p Patient) bool { return p.ID == id })
		if i < 0 {
			return false, fmt.Errorf("%w: %d", ErrPatientNotFound, id)
		}

		name := d.Patients[i].Name
		d.Patients = slices.Delete(d.Patients, i, i+1)
		d.logActivity(now, actor, "Deleted patient", fmt.Sprintf("ID: %d, Name: %s", id, name))

		return true, nil
	}
}
