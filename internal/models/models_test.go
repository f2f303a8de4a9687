package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobAssignable(t *testing.T) {
	driver := "d1"
	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"draft", Job{Status: JobDraft}, true},
		{"confirmed", Job{Status: JobConfirmed}, true},
		{"confirmed with driver", Job{Status: JobConfirmed, DriverID: &driver}, false},
		{"completed", Job{Status: JobCompleted}, false},
		{"cancelled", Job{Status: JobCancelled}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.job.Assignable())
		})
	}
}
