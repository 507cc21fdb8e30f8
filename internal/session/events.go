package session

import (
	"context"

	"github.com/toolcrib-dev/toolcrib/internal/model"
	"github.com/toolcrib-dev/toolcrib/internal/timer"
)

// All orchestrator input arrives as events on one inbox and is applied
// strictly one at a time, in arrival order. Synchronous callers attach a
// reply channel (ask); fire-and-forget callers post without one.

type envelope struct {
	ev    any
	reply chan any
}

type evVerify struct{ UID string }

type evDevice struct{ Name string }

type evPoll struct{}

type evState struct{}

type evPhotoRoute struct{ ChatID string }

type evPhotoAnalyzed struct {
	ChatID   string
	Tray     int
	Detected []string
	Failed   bool
}

type evTimeout timer.Timeout

type evButton struct {
	ChatID     string
	CallbackID string
	Data       string
}

type evText struct {
	ChatID string
	Text   string
}

type evStart struct{ ChatID string }

// VerifyResult is the outcome of a credential scan.
type VerifyResult struct {
	Status string
	Reason string
}

// PhotoRoute tells the transport glue whether an inbound photo is expected
// and which tray it audits. The slow detection call runs outside the
// orchestrator; its result re-enters as evPhotoAnalyzed.
type PhotoRoute struct {
	Tray     int
	Accepted bool
	Reply    string
}

type pollResult struct {
	cmd model.Command
	ok  bool
}

// Verify processes a credential scan and returns the status for the
// controller.
func (o *Orchestrator) Verify(ctx context.Context, uid string) (VerifyResult, error) {
	out, err := o.ask(ctx, evVerify{UID: uid})
	if err != nil {
		return VerifyResult{}, err
	}
	return out.(VerifyResult), nil
}

// ReportDeviceEvent processes a controller sensor event and returns the
// response status.
func (o *Orchestrator) ReportDeviceEvent(ctx context.Context, name string) (string, error) {
	out, err := o.ask(ctx, evDevice{Name: name})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// PollCommand removes and returns the next pending actuator command. It
// never waits for one to appear.
func (o *Orchestrator) PollCommand(ctx context.Context) (model.Command, bool, error) {
	out, err := o.ask(ctx, evPoll{})
	if err != nil {
		return model.Command{}, false, err
	}
	res := out.(pollResult)
	return res.cmd, res.ok, nil
}

// State reports the current session state (StateIdle when no session).
func (o *Orchestrator) State(ctx context.Context) (State, error) {
	out, err := o.ask(ctx, evState{})
	if err != nil {
		return StateIdle, err
	}
	return out.(State), nil
}

// RoutePhoto decides whether an inbound photo from chatID is expected right
// now and, if so, which tray it audits.
func (o *Orchestrator) RoutePhoto(ctx context.Context, chatID string) (PhotoRoute, error) {
	out, err := o.ask(ctx, evPhotoRoute{ChatID: chatID})
	if err != nil {
		return PhotoRoute{}, err
	}
	return out.(PhotoRoute), nil
}

// SubmitPhotoAnalysis feeds a detection result back into the event stream.
// failed marks a detection-service error; the detected set is then empty and
// surfaces as a discrepancy rather than a silent success.
func (o *Orchestrator) SubmitPhotoAnalysis(ctx context.Context, chatID string, tray int, detected []string, failed bool) error {
	return o.post(ctx, evPhotoAnalyzed{ChatID: chatID, Tray: tray, Detected: detected, Failed: failed})
}

func (o *Orchestrator) HandleText(ctx context.Context, chatID, text string) error {
	return o.post(ctx, evText{ChatID: chatID, Text: text})
}

func (o *Orchestrator) HandleButton(ctx context.Context, chatID, callbackID, data string) error {
	return o.post(ctx, evButton{ChatID: chatID, CallbackID: callbackID, Data: data})
}

func (o *Orchestrator) HandleStart(ctx context.Context, chatID string) error {
	return o.post(ctx, evStart{ChatID: chatID})
}
