package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, min int, secs ...int) time.Time {
	sec := 0
	if len(secs) > 0 {
		sec = secs[0]
	}
	return time.Date(2026, 3, 2, hour, min, sec, 0, time.UTC)
}

func doctorThread(id, doctorID string, last time.Time) Thread {
	t := Thread{
		ID:             id,
		LastActivityAt: last,
		Participants: []Participant{
			{UserID: "pat-1", Role: RolePatient},
			{UserID: doctorID, Role: RoleDoctor, DisplayName: "Dr. " + doctorID},
		},
	}
	t.CounterpartyKey = counterpartyKey(t, patient)
	return t
}

func TestCounterpartyKey_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		thread Thread
		want   string
	}{
		{
			"doctor_user_id",
			Thread{ID: "t1", Participants: []Participant{{UserID: "doc-9", Role: RoleDoctor}}},
			"u:doc-9",
		},
		{
			"display_name_fallback",
			Thread{ID: "t1", Participants: []Participant{{DisplayName: "  Dr.  SMITH ", Role: RoleDoctor}}},
			"n:dr. smith",
		},
		{
			"subject_fallback",
			Thread{ID: "t1", Subject: "Lab Results"},
			"s:lab results",
		},
		{
			"own_id_fallback",
			Thread{ID: "t1"},
			"t:t1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, counterpartyKey(tt.thread, patient))
		})
	}
}

func TestDedupeRank_CollapsesSameCounterparty(t *testing.T) {
	// Two raw records for the same doctor; latest activity wins.
	threads := []Thread{
		doctorThread("T1", "doc-9", at(10, 0)),
		doctorThread("T2", "doc-9", at(11, 0)),
	}
	out := DedupeRank(threads, patient)
	require.Len(t, out, 1)
	assert.Equal(t, "T2", out[0].ID)
}

func TestDedupeRank_MissingTimestampLosesRepresentative(t *testing.T) {
	threads := []Thread{
		doctorThread("T1", "doc-9", time.Time{}),
		doctorThread("T2", "doc-9", at(9, 0)),
	}
	out := DedupeRank(threads, patient)
	require.Len(t, out, 1)
	assert.Equal(t, "T2", out[0].ID)
}

func TestDedupeRank_OrdersByActivityDescending(t *testing.T) {
	threads := []Thread{
		doctorThread("A", "doc-1", at(9, 0)),
		doctorThread("B", "doc-2", time.Time{}),
		doctorThread("C", "doc-3", at(11, 0)),
		doctorThread("D", "doc-4", time.Time{}),
		doctorThread("E", "doc-5", at(10, 0)),
	}
	out := DedupeRank(threads, patient)
	require.Len(t, out, 5)
	ids := make([]string, len(out))
	for i, th := range out {
		ids[i] = th.ID
	}
	// Timestamped first, newest to oldest; untimestamped after, input order kept.
	assert.Equal(t, []string{"C", "E", "A", "B", "D"}, ids)
}

func TestDedupeRank_StableForEqualTimestamps(t *testing.T) {
	threads := []Thread{
		doctorThread("A", "doc-1", at(10, 0)),
		doctorThread("B", "doc-2", at(10, 0)),
		doctorThread("C", "doc-3", at(10, 0)),
	}
	out := DedupeRank(threads, patient)
	require.Len(t, out, 3)
	assert.Equal(t, "A", out[0].ID)
	assert.Equal(t, "B", out[1].ID)
	assert.Equal(t, "C", out[2].ID)
}

func TestDedupeRank_Idempotent(t *testing.T) {
	threads := []Thread{
		doctorThread("T1", "doc-9", at(10, 0)),
		doctorThread("T2", "doc-9", at(11, 0)),
		doctorThread("T3", "doc-2", time.Time{}),
		doctorThread("T4", "doc-3", at(8, 30)),
	}
	once := DedupeRank(threads, patient)
	twice := DedupeRank(once, patient)
	assert.Equal(t, once, twice)
}

func TestDedupeRank_NoCollapseAcrossDifferentDoctors(t *testing.T) {
	threads := []Thread{
		doctorThread("T1", "doc-1", at(10, 0)),
		doctorThread("T2", "doc-2", at(11, 0)),
	}
	out := DedupeRank(threads, patient)
	assert.Len(t, out, 2)
}
