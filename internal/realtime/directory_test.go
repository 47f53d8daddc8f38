package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id, participantID, role, firmID string) *Session {
	return &Session{ID: id, ParticipantID: participantID, Role: role, FirmID: firmID, Send: make(chan []byte, 4)}
}

func TestBroadcastRequestReachesRequesterAndAssignedMembers(t *testing.T) {
	dir := NewDirectory()
	requester := newTestSession("s1", "user-1", "requester", "")
	member := newTestSession("s2", "member-1", "responder", "")
	dir.Register(requester)
	dir.Register(member)

	dir.BroadcastRequest(RequestParticipants{
		RequesterID: "user-1", AssignedMemberIDs: []string{"member-1"},
	}, nil, "request_status_update", map[string]string{"status": "accepted"})

	assertEnvelopeReceived(t, requester, "request_status_update")
	assertEnvelopeReceived(t, member, "request_status_update")
}

func TestBroadcastRequestFansOutToOfficeStaffForListedTypes(t *testing.T) {
	dir := NewDirectory()
	staff := newTestSession("s1", "staff-1", "office_staff", "firm-1")
	dir.Register(staff)

	dir.BroadcastRequest(RequestParticipants{FirmID: "firm-1"}, []string{"staff-1"}, "request_created", nil)
	assertEnvelopeReceived(t, staff, "request_created")
}

func TestBroadcastRequestSkipsOfficeStaffForUnlistedEnvelopeType(t *testing.T) {
	dir := NewDirectory()
	staff := newTestSession("s1", "staff-1", "office_staff", "firm-1")
	dir.Register(staff)

	dir.BroadcastRequest(RequestParticipants{FirmID: "firm-1"}, []string{"staff-1"}, "eta_update", nil)

	select {
	case <-staff.Send:
		t.Fatal("office staff should not receive eta_update")
	default:
	}
}

func TestBroadcastRequestReachesFirmAdminsSubscribedToFirm(t *testing.T) {
	dir := NewDirectory()
	admin := newTestSession("s1", "admin-1", "platform_admin", "firm-1")
	dir.Register(admin)

	dir.BroadcastRequest(RequestParticipants{FirmID: "firm-1"}, nil, "completed", nil)
	assertEnvelopeReceived(t, admin, "completed")
}

func TestUnregisterRemovesSessionFromBothIndexes(t *testing.T) {
	dir := NewDirectory()
	admin := newTestSession("s1", "admin-1", "platform_admin", "firm-1")
	dir.Register(admin)
	dir.Unregister(admin)

	dir.BroadcastRequest(RequestParticipants{RequesterID: "admin-1"}, nil, "completed", nil)
	select {
	case <-admin.Send:
		t.Fatal("unregistered session should not receive envelopes")
	default:
	}
}

func TestSendToDropsOnFullSendBuffer(t *testing.T) {
	dir := NewDirectory()
	s := &Session{ID: "s1", ParticipantID: "user-1", Send: make(chan []byte, 1)}
	dir.Register(s)

	dir.BroadcastRequest(RequestParticipants{RequesterID: "user-1"}, nil, "t1", nil)
	dir.BroadcastRequest(RequestParticipants{RequesterID: "user-1"}, nil, "t2", nil)

	require.Len(t, s.Send, 1)
}

func assertEnvelopeReceived(t *testing.T, s *Session, envType string) {
	t.Helper()
	select {
	case body := <-s.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		assert.Equal(t, envType, env.Type)
	default:
		t.Fatalf("session %s received no envelope", s.ID)
	}
}
