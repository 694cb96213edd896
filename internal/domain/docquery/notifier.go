package docquery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hie/internal/platform/webhook"
)

// Webhook event types, one per phase.
const (
	EventDocumentDownload   = "medical.document-download"
	EventDocumentConversion = "medical.document-conversion"
)

var phaseEvents = map[Phase]string{
	PhaseDownload: EventDocumentDownload,
	PhaseConvert:  EventDocumentConversion,
}

// WebhookMeta identifies one webhook message.
type WebhookMeta struct {
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	When      time.Time `json:"when"`
	CxID      uuid.UUID `json:"cxId"`
}

// WebhookPatient is the per-patient entry of a webhook message.
type WebhookPatient struct {
	PatientID uuid.UUID `json:"patientId"`
	RequestID string    `json:"requestId,omitempty"`
	Status    Status    `json:"status"`
	Progress  *Progress `json:"progress"`
}

// WebhookMessage is the body delivered to the subscriber.
type WebhookMessage struct {
	Meta     WebhookMeta      `json:"meta"`
	Patients []WebhookPatient `json:"patients"`
}

type webhookSender interface {
	Deliver(ctx context.Context, eventID string, event interface{}) (*webhook.DeliveryAttempt, error)
}

// WebhookNotifier tells the subscriber when a phase of the aggregate
// reaches a terminal status. Each transition is reported once; later
// mutations that leave the phase terminal are not.
type WebhookNotifier struct {
	sender webhookSender
	logger zerolog.Logger
	now    func() time.Time
}

func NewWebhookNotifier(sender webhookSender, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		sender: sender,
		logger: logger.With().Str("component", "docquery-webhook").Logger(),
		now:    time.Now,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	if note.Progress == nil {
		return nil
	}

	var errs []error
	for _, ph := range Phases {
		cur := note.Progress.Get(ph)
		if cur == nil || !cur.Status.Terminal() {
			continue
		}
		if note.Previous != nil && note.Previous.RequestID == note.Progress.RequestID {
			if prev := note.Previous.Get(ph); prev != nil && prev.Status.Terminal() {
				continue
			}
		}

		msgID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		msg := WebhookMessage{
			Meta: WebhookMeta{
				MessageID: msgID.String(),
				Type:      phaseEvents[ph],
				When:      n.now().UTC(),
				CxID:      note.CxID,
			},
			Patients: []WebhookPatient{{
				PatientID: note.PatientID,
				RequestID: note.RequestID,
				Status:    cur.Status,
				Progress:  cur,
			}},
		}
		if _, err := n.sender.Deliver(ctx, msg.Meta.MessageID, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		n.logger.Info().
			Str("patient_id", note.PatientID.String()).
			Str("request_id", note.RequestID).
			Str("type", msg.Meta.Type).
			Str("status", string(cur.Status)).
			Str("trigger", string(note.Trigger)).
			Msg("document query webhook sent")
	}
	return errors.Join(errs...)
}
