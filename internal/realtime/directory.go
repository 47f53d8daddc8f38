// Package realtime implements the §4.E session directory: a
// participant_id → set<session> map, the envelope fan-out rules for a
// PanicRequest, and location-log ingest/broadcast. Adapted from the
// teacher's hub-and-spoke registry, narrowed from capability/tenant-based
// message routing to the fixed requester/responder/office-staff/admin
// routing rules this spec defines.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
)

// Envelope is the small JSON frame every session receives (§4.E).
type Envelope struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"ts"`
}

// Session is one long-lived bidirectional connection for a participant.
// The directory only needs to push bytes; transport-specific read/write
// pump lives in conn.go.
type Session struct {
	ID            string
	ParticipantID string
	FirmID        string // "" for end users
	Role          string // requester | responder | office_staff | platform_admin
	Send          chan []byte
}

// RequestParticipants resolves who should receive envelopes about one
// PanicRequest, the input to Directory.BroadcastRequest's fan-out.
type RequestParticipants struct {
	RequesterID      string
	AssignedTeamID   string
	AssignedMemberIDs []string
	FirmID           string
}

// Directory is the in-memory, mutex-protected session registry (§5: "owned
// by a single process; the directory's interface is a pure function of
// session lifecycle events so it can be fronted by a pub/sub bus without
// changing the contract"). Fanout's optional events.EventEmitter publishes
// each envelope to the event bus; the Directory itself is process-local.
type Directory struct {
	mu sync.RWMutex

	byParticipant map[string]map[string]*Session // participantID -> sessionID -> Session
	byFirmAdmin   map[string]map[string]*Session // firmID -> sessionID -> Session, platform admins subscribed per firm

	logger *log.Logger
}

func NewDirectory() *Directory {
	return &Directory{
		byParticipant: make(map[string]map[string]*Session),
		byFirmAdmin:   make(map[string]map[string]*Session),
		logger:        log.New(log.Writer(), "[realtime] ", log.LstdFlags),
	}
}

// Register adds a session to the directory at handshake time.
func (d *Directory) Register(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byParticipant[s.ParticipantID] == nil {
		d.byParticipant[s.ParticipantID] = make(map[string]*Session)
	}
	d.byParticipant[s.ParticipantID][s.ID] = s

	if s.Role == "platform_admin" && s.FirmID != "" {
		if d.byFirmAdmin[s.FirmID] == nil {
			d.byFirmAdmin[s.FirmID] = make(map[string]*Session)
		}
		d.byFirmAdmin[s.FirmID][s.ID] = s
	}
	d.logger.Printf("session registered: participant=%s role=%s", s.ParticipantID, s.Role)
}

// Unregister removes a session, e.g. on websocket close.
func (d *Directory) Unregister(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if set := d.byParticipant[s.ParticipantID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(d.byParticipant, s.ParticipantID)
		}
	}
	if s.FirmID != "" {
		if set := d.byFirmAdmin[s.FirmID]; set != nil {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(d.byFirmAdmin, s.FirmID)
			}
		}
	}
}

// sendTo delivers env at-most-once to every session a participant currently
// holds open; a full send channel drops the frame rather than blocking
// (§4.E: "no unsent-message buffer beyond the instantaneous send").
func (d *Directory) sendTo(participantID string, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Printf("marshal envelope: %v", err)
		return
	}

	d.mu.RLock()
	sessions := d.byParticipant[participantID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	d.mu.RUnlock()

	for _, s := range out {
		select {
		case s.Send <- body:
		default:
			d.logger.Printf("dropped envelope for participant=%s (send buffer full)", participantID)
		}
	}
}

// broadcastOfficeStaff fans out to every principal id in officeStaffIDs and
// to the platform-admin sessions subscribed to firmID; the directory doesn't
// track firm rosters itself (that's the identity/firm repositories' job) so
// callers pass the resolved id list.
func (d *Directory) broadcastOfficeStaff(firmID string, officeStaffIDs []string, env Envelope) {
	for _, id := range officeStaffIDs {
		d.sendTo(id, env)
	}
	d.mu.RLock()
	admins := d.byFirmAdmin[firmID]
	out := make([]*Session, 0, len(admins))
	for _, s := range admins {
		out = append(out, s)
	}
	d.mu.RUnlock()
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, s := range out {
		select {
		case s.Send <- body:
		default:
		}
	}
}

// BroadcastRequest fans an envelope about one PanicRequest out per the
// §4.E routing rules: requester, assigned team/members, firm office staff
// (for the listed envelope types), and any platform admins subscribed to
// the firm.
func (d *Directory) BroadcastRequest(participants RequestParticipants, officeStaffIDs []string, envType string, payload interface{}) {
	env := Envelope{Type: envType, Payload: payload, Timestamp: time.Now()}

	d.sendTo(participants.RequesterID, env)
	for _, id := range participants.AssignedMemberIDs {
		d.sendTo(id, env)
	}

	switch envType {
	case "request_created", "request_allocated", "completed", "cancelled", "request_status_update":
		d.broadcastOfficeStaff(participants.FirmID, officeStaffIDs, env)
	}
}

// LocationUpdate pairs a PanicRequest with one GPS breadcrumb (§4.E
// location-log ingest). It carries data only; appending the breadcrumb and
// broadcasting the location_update envelope are done by Fanout.IngestLocation.
type LocationUpdate struct {
	Request domain.PanicRequest
	Log     domain.LocationLog
}
