// Package face drives verify and enroll on the face recognition unit.
package face

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/protocol/facemod"
	"github.com/dbehnke/smartlock/internal/workflow"
)

const Peripheral = "face"

// Config holds face unit timing
type Config struct {
	VerifyTimeout time.Duration // module side, whole seconds
	EnrollTimeout time.Duration
	ReplyMargin   time.Duration // host wait beyond the module timeout
	RestDelay     time.Duration
}

// DefaultConfig returns the timings used on the lock.
func DefaultConfig() Config {
	return Config{
		VerifyTimeout: facemod.DEFAULT_VERIFY_TIMEOUT * time.Second,
		EnrollTimeout: 15 * time.Second,
		ReplyMargin:   time.Second,
		RestDelay:     time.Second,
	}
}

// UserStore persists enrolled faces.
type UserStore interface {
	RecordFaceUser(id uint16, name string) error
}

// Result reports how a run ended.
type Result struct {
	Operation workflow.Operation
	State     workflow.State
	UserID    uint16
	UserName  string
}

// Table maps face unit replies onto workflow transitions. Every result
// other than success rejects.
func Table() workflow.Table {
	return workflow.Table{
		Peripheral: Peripheral,
		Confirm:    map[byte]workflow.Verdict{facemod.MR_SUCCESS: workflow.Advance},
		Steps: map[workflow.Operation]map[byte]workflow.Step{
			workflow.OpEnroll:   {facemod.MID_ENROLL: {Name: "enroll", Terminal: true}},
			workflow.OpIdentify: {facemod.MID_VERIFY: {Name: "verify", Terminal: true, Unlock: true}},
		},
	}
}

type request struct {
	op   workflow.Operation
	name string
}

// Unit owns the face channel and its workflow.
type Unit struct {
	cfg     Config
	ch      *channel.Channel
	machine *workflow.Machine
	store   UserStore
	logger  zerolog.Logger

	requests chan request
	results  chan Result
}

// NewUnit creates a face unit workflow. store may be nil.
func NewUnit(cfg Config, ch *channel.Channel, unlocker workflow.Unlocker, store UserStore, logger zerolog.Logger) *Unit {
	return &Unit{
		cfg:      cfg,
		ch:       ch,
		machine:  workflow.NewMachine(Table(), unlocker, logger),
		store:    store,
		logger:   logger.With().Str("component", Peripheral).Logger(),
		requests: make(chan request, 1),
		results:  make(chan Result, 4),
	}
}

// Verify asks for a recognition. It never blocks and reports false when a
// request is already queued.
func (u *Unit) Verify() bool {
	return u.submit(request{op: workflow.OpIdentify})
}

// Enroll asks for a new face to be registered under name.
func (u *Unit) Enroll(name string) bool {
	return u.submit(request{op: workflow.OpEnroll, name: name})
}

func (u *Unit) submit(r request) bool {
	select {
	case u.requests <- r:
		return true
	default:
		u.logger.Debug().Str("operation", r.op.String()).Msg("request dropped, one already pending")
		return false
	}
}

// Results delivers the outcome of each run.
func (u *Unit) Results() <-chan Result {
	return u.results
}

// Status returns the workflow status.
func (u *Unit) Status() workflow.Status {
	return u.machine.GetStatus()
}

// Run resets the module, then serves requests until ctx is done.
func (u *Unit) Run(ctx context.Context) error {
	if _, err := u.ch.Do(ctx, channel.Request{
		Command: facemod.Reset(),
		Timeout: u.cfg.ReplyMargin,
		Match:   facemod.IsReplyTo(facemod.MID_RESET),
	}); err != nil {
		u.logger.Warn().Err(err).Msg("face unit did not acknowledge reset")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-u.requests:
			u.serve(ctx, r)
		}
	}
}

func (u *Unit) serve(ctx context.Context, r request) {
	if err := u.machine.Begin(r.op); err != nil {
		u.logger.Warn().Err(err).Msg("request ignored")
		return
	}

	cmd := facemod.Verify(seconds(u.cfg.VerifyTimeout))
	mid := byte(facemod.MID_VERIFY)
	wait := u.cfg.VerifyTimeout
	if r.op == workflow.OpEnroll {
		cmd = facemod.Enroll(r.name, false, seconds(u.cfg.EnrollTimeout))
		mid = facemod.MID_ENROLL
		wait = u.cfg.EnrollTimeout
	}

	res := Result{Operation: r.op}
	res.State, res.UserID, res.UserName = u.exchange(ctx, cmd, mid, wait+u.cfg.ReplyMargin)
	if r.op == workflow.OpEnroll && res.State == workflow.StateSuccess {
		res.UserName = r.name
		if u.store != nil {
			if err := u.store.RecordFaceUser(res.UserID, r.name); err != nil {
				u.logger.Error().Err(err).Msg("failed to record face user")
			}
		}
	}

	select {
	case u.results <- res:
	default:
	}

	timer := time.NewTimer(u.cfg.RestDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	u.machine.Rest()
}

func (u *Unit) exchange(ctx context.Context, cmd []byte, mid byte, wait time.Duration) (workflow.State, uint16, string) {
	frame, err := u.ch.Do(ctx, channel.Request{
		Command: cmd,
		Timeout: wait,
		Match:   facemod.IsReplyTo(mid),
	})
	if err != nil {
		return u.machine.Fail(err.Error()), 0, ""
	}

	msg, err := facemod.Parse(frame)
	if err != nil {
		return u.machine.Fail(err.Error()), 0, ""
	}
	reply, err := msg.Reply()
	if err != nil {
		return u.machine.Fail(err.Error()), 0, ""
	}
	if reply.Result != facemod.MR_SUCCESS {
		u.logger.Info().Str("result", facemod.ResultName(reply.Result)).Msg("face unit declined")
	}

	var id uint16
	var name string
	ev := workflow.Event{Confirm: reply.Result, Step: reply.Mid}
	switch {
	case reply.Result != facemod.MR_SUCCESS:
	case mid == facemod.MID_VERIFY:
		v, err := reply.Verify()
		if err != nil {
			return u.machine.Fail(fmt.Sprintf("bad verify reply: %v", err)), 0, ""
		}
		id, name = v.UserID, v.UserName
		ev.Credential = strconv.Itoa(int(id))
	case len(reply.Data) >= 2:
		id = uint16(reply.Data[0])<<8 | uint16(reply.Data[1])
	}
	return u.machine.Apply(ev), id, name
}

func seconds(d time.Duration) byte {
	s := d / time.Second
	if s < 1 {
		return 1
	}
	if s > 255 {
		return 255
	}
	return byte(s)
}
