package hie

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// QueryRequest asks an HIE adapter to start a document query for a patient.
type QueryRequest struct {
	DispatchID          uuid.UUID
	PatientID           uuid.UUID
	CxID                uuid.UUID
	RequestID           string
	TriggerConsolidated bool
	Metadata            map[string]string
	// CallbackURL is where the adapter reports progress.
	CallbackURL string
}

// Call is an HTTP call produced by a Protocol.
type Call struct {
	Method string
	Path   string
	Query  map[string]string
	Body   interface{}
}

// Protocol maps a QueryRequest onto an adapter's wire format. Adapter
// generations differ only here.
type Protocol interface {
	Name() string
	StartQuery(req QueryRequest) Call
}

const (
	ModeCurrent = "current"
	ModeLegacy  = "legacy"
)

// ProtocolFor returns the protocol for an adapter mode.
func ProtocolFor(mode string) (Protocol, error) {
	switch strings.ToLower(mode) {
	case "", ModeCurrent:
		return currentProtocol{}, nil
	case ModeLegacy:
		return legacyProtocol{}, nil
	}
	return nil, fmt.Errorf("unknown HIE adapter mode %q", mode)
}

type currentProtocol struct{}

type currentBody struct {
	DispatchID          string            `json:"dispatchId"`
	RequestID           string            `json:"requestId"`
	PatientID           string            `json:"patientId"`
	CxID                string            `json:"cxId"`
	TriggerConsolidated bool              `json:"triggerConsolidated"`
	CallbackURL         string            `json:"callbackUrl,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

func (currentProtocol) Name() string { return ModeCurrent }

func (currentProtocol) StartQuery(req QueryRequest) Call {
	return Call{
		Method: http.MethodPost,
		Path:   "/document-query",
		Body: currentBody{
			DispatchID:          req.DispatchID.String(),
			RequestID:           req.RequestID,
			PatientID:           req.PatientID.String(),
			CxID:                req.CxID.String(),
			TriggerConsolidated: req.TriggerConsolidated,
			CallbackURL:         req.CallbackURL,
			Metadata:            req.Metadata,
		},
	}
}

// legacyProtocol addresses the patient in the path and passes identifiers
// as query parameters.
type legacyProtocol struct{}

type legacyBody struct {
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (legacyProtocol) Name() string { return ModeLegacy }

func (legacyProtocol) StartQuery(req QueryRequest) Call {
	return Call{
		Method: http.MethodPost,
		Path:   "/patient/" + url.PathEscape(req.PatientID.String()) + "/document/query",
		Query: map[string]string{
			"cxId":                req.CxID.String(),
			"requestId":           req.RequestID,
			"triggerConsolidated": fmt.Sprintf("%t", req.TriggerConsolidated),
		},
		Body: legacyBody{CallbackURL: req.CallbackURL, Metadata: req.Metadata},
	}
}
