package ami

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outdial/internal/logging"
)

// Dial variables that let the dialplan, or a human reading the switch logs,
// tie a channel back to its call record.
const (
	VarCallID         = "OUTDIAL_CALL_ID"
	VarTenantID       = "OUTDIAL_TENANT_ID"
	VarDestination    = "OUTDIAL_TO"
	VarTransferNumber = "OUTDIAL_TRANSFER_NUMBER"
	VarLeadID         = "OUTDIAL_LEAD_ID"
)

// OriginateParams parámetros para originar una llamada
type OriginateParams struct {
	Channel   string            // e.g. SIP/trunk/5551234567
	Context   string            // dial context
	Extension string            // usually "s"
	Priority  int               // usually 1
	CallerID  string            // caller id shown to the destination
	Timeout   time.Duration     // ring timeout passed to the switch
	Variables map[string]string // channel variables
	Async     bool
	// ChannelID, when set, asks the switch to use it as the channel Uniqueid.
	ChannelID string
}

// OriginateResult is the synchronous acknowledgment of an originate.
type OriginateResult struct {
	ActionID string
	// UniqueID is the switch channel id when known at acknowledgment time.
	UniqueID string
	Message  string
}

// BuildOriginate renders the params as an Originate action.
func BuildOriginate(p OriginateParams) *Action {
	a := NewAction("Originate").
		Set("Channel", p.Channel).
		Set("Context", p.Context).
		Set("Exten", p.Extension).
		SetInt("Priority", p.Priority).
		Set("CallerID", p.CallerID)

	if p.Timeout > 0 {
		a.SetInt("Timeout", int(p.Timeout.Milliseconds()))
	}
	if p.Async {
		a.Set("Async", "true")
	}
	if p.ChannelID != "" {
		a.Set("ChannelId", p.ChannelID)
	}
	for k, v := range p.Variables {
		a.Variable(k, v)
	}
	return a
}

// DialString expands a channel template such as "SIP/%s/%s" with trunk and number.
func DialString(template, trunk, number string) string {
	if template == "" {
		template = "SIP/%s/%s"
	}
	return fmt.Sprintf(template, trunk, number)
}

// Originator places originate commands on short-lived control connections.
type Originator struct {
	opts DialOptions
	log  *logrus.Entry
}

// NewOriginator returns an Originator. Events are always off on its connections.
func NewOriginator(opts DialOptions, logger logrus.FieldLogger) *Originator {
	opts.Events = false
	return &Originator{opts: opts, log: logging.Component(logger, "Originate")}
}

// Originate opens a dedicated connection with creds, sends one Originate and
// waits only for its acknowledgment. The connection is always closed.
func (o *Originator) Originate(ctx context.Context, creds Credentials, p OriginateParams) (*OriginateResult, error) {
	action := BuildOriginate(p)
	actionID := action.ID()

	log := o.log.WithFields(logrus.Fields{"switch": creds.Address, "action_id": actionID, "channel": p.Channel})
	log.Debug("originating call")

	opts := o.opts
	if !p.Async && p.Timeout > 0 && opts.CommandTimeout > 0 {
		// a synchronous originate is acknowledged only once the ring attempt ends
		opts.CommandTimeout += p.Timeout
	}

	conn, err := Dial(ctx, creds, opts)
	if err != nil {
		log.WithError(err).Warn("control connection failed")
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Command(ctx, action)
	if err != nil {
		log.WithError(err).Warn("originate not accepted")
		return nil, err
	}

	result := &OriginateResult{
		ActionID: actionID,
		UniqueID: resp.Get("Uniqueid"),
		Message:  resp.Get("Message"),
	}
	if result.UniqueID == "" && p.ChannelID != "" {
		result.UniqueID = p.ChannelID
	}
	log.WithField("uniqueid", result.UniqueID).Info("originate accepted")
	return result, nil
}

// NewChannelID returns an id suitable for OriginateParams.ChannelID.
func NewChannelID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
