package twilio

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// CallControl performs REST actions against live calls.
type CallControl struct {
	client *twilio.RestClient
}

// NewCallControl builds a CallControl authenticated with the account SID
// and auth token.
func NewCallControl(accountSID, authToken string) *CallControl {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &CallControl{client: client}
}

// Transfer redirects a live call to the given destination number by
// replacing its TwiML with an announcement and a dial. The media stream is
// torn down by the provider as a side effect.
func (c *CallControl) Transfer(ctx context.Context, callSID, destination string) error {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: "Transferring you now, one moment please."},
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceNumber{PhoneNumber: destination},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("twilio: render transfer twiml: %w", err)
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("twilio: update call %s: %w", callSID, err)
	}
	return nil
}

// Hangup ends a live call.
func (c *CallControl) Hangup(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("twilio: hang up call %s: %w", callSID, err)
	}
	return nil
}
