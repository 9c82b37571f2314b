package fee

import (
	"fmt"
	"net/url"

	"github.com/feedesk/backend/internal/domain/shared"
)

// Collection names a readable entity collection
type Collection string

const (
	CollectionInstallments Collection = "installments"
)

// IsValid checks if the collection is known
func (c Collection) IsValid() bool {
	return c == CollectionInstallments
}

// Query is the closed set of read shapes. Zero-valued filters are absent.
type Query struct {
	Collection Collection        `json:"collection"`
	SchoolID   string            `json:"school_id,omitempty"`
	StudentID  string            `json:"student_id,omitempty"`
	Status     InstallmentStatus `json:"status,omitempty"`
}

// AllInstallments is the unfiltered installment query
func AllInstallments() Query {
	return Query{Collection: CollectionInstallments}
}

// InstallmentsForSchool filters installments by school
func InstallmentsForSchool(schoolID string) Query {
	return Query{Collection: CollectionInstallments, SchoolID: schoolID}
}

// InstallmentsForStudent filters installments by school and student
func InstallmentsForStudent(schoolID, studentID string) Query {
	return Query{Collection: CollectionInstallments, SchoolID: schoolID, StudentID: studentID}
}

// Validate checks that the query is one of the supported shapes
func (q Query) Validate() error {
	if !q.Collection.IsValid() {
		return shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("unknown collection %q", q.Collection))
	}
	if q.Status != "" && !q.Status.IsValid() {
		return shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("unknown installment status %q", q.Status))
	}
	return nil
}

// Fingerprint is the canonical cache key. Filter keys are always emitted in
// sorted order and empty filters are dropped, so equivalent queries collide.
func (q Query) Fingerprint() string {
	values := url.Values{}
	if q.SchoolID != "" {
		values.Set("school_id", q.SchoolID)
	}
	if q.StudentID != "" {
		values.Set("student_id", q.StudentID)
	}
	if q.Status != "" {
		values.Set("status", string(q.Status))
	}
	if len(values) == 0 {
		return string(q.Collection)
	}
	// url.Values.Encode sorts by key
	return string(q.Collection) + "?" + values.Encode()
}

// Matches reports whether an installment belongs to the query result
func (q Query) Matches(inst *Installment) bool {
	if q.SchoolID != "" && inst.SchoolID != q.SchoolID {
		return false
	}
	if q.StudentID != "" && inst.StudentID != q.StudentID {
		return false
	}
	if q.Status != "" && inst.Status() != q.Status {
		return false
	}
	return true
}

// InvalidationKeys lists every fingerprint whose result set could contain
// the installment, before or after a mutation. All status filters are
// included because a write may move the installment between them.
func InvalidationKeys(inst *Installment) []string {
	statuses := []InstallmentStatus{"", InstallmentStatusUnpaid, InstallmentStatusPartial, InstallmentStatusPaid}
	shapes := []Query{
		{},
		{SchoolID: inst.SchoolID},
		{StudentID: inst.StudentID},
		{SchoolID: inst.SchoolID, StudentID: inst.StudentID},
	}

	keys := make([]string, 0, len(statuses)*len(shapes))
	for _, shape := range shapes {
		for _, status := range statuses {
			q := shape
			q.Collection = CollectionInstallments
			q.Status = status
			keys = append(keys, q.Fingerprint())
		}
	}
	return keys
}
