// Package bridge drives the SETUP -> DATA -> (ACCEPT|EXIT) handshake with
// the hosting point-of-sale and the single terminal request it leads to.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/adapters/ports"
	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/services/status"
	"github.com/kevin07696/payment-bridge/pkg/observability"
	"github.com/kevin07696/payment-bridge/pkg/schedule"
)

// Messages written to the display
const (
	MessageStrangeResponse = "Strange response from host."
	MessageTapOrInsert     = "Tap or Insert Card"
	MessageNetworkFailure  = status.MessageFailed
)

// NetworkFailureDelay is how long the failure message shows before EXIT
const NetworkFailureDelay = 2000 * time.Millisecond

// Channel exchanges handshake events with the hosting window
type Channel interface {
	Send(ctx context.Context, event domain.HandshakeEvent) error
	Receive(origin string, raw []byte) (domain.HandshakeEvent, error)
}

// Display is the dialog's status area plus its blocking alert
type Display interface {
	Clear()
	Show(message string)
	Alert(message string)
}

// Machine runs one transaction. It is safe for concurrent use; the lock is
// released while the terminal request is outstanding.
type Machine struct {
	mu        sync.Mutex
	state     State
	result    Result
	sale      *domain.SaleContext
	pending   schedule.Handle
	stopped   bool
	done      chan struct{}
	closeOnce sync.Once

	launch    Launch
	channel   Channel
	terminal  ports.TerminalGateway
	display   Display
	scheduler schedule.Scheduler
	logger    *zap.Logger
}

// NewMachine creates a machine in INIT
func NewMachine(
	launch Launch,
	channel Channel,
	terminal ports.TerminalGateway,
	display Display,
	scheduler schedule.Scheduler,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		state:     StateInit,
		done:      make(chan struct{}),
		launch:    launch,
		channel:   channel,
		terminal:  terminal,
		display:   display,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start sends SETUP then DATA and waits for the sale data reply.
// It may only be called once.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInit || m.stopped {
		return domain.ErrInvalidState.WithDetail("state", m.state.String())
	}

	if err := m.channel.Send(ctx, domain.NewSetupEvent()); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	m.transition(StateSetupSent)

	if err := m.channel.Send(ctx, domain.NewDataEvent()); err != nil {
		return fmt.Errorf("send data request: %w", err)
	}
	m.transition(StateDataRequested)
	m.transition(StateAwaitingSaleData)

	return nil
}

// HandleMessage processes one message posted by the hosting window.
//
// Only a DATA reply while awaiting sale data makes progress; it blocks until
// the terminal gateway answers. Any other step, or a message that cannot be
// parsed, raises the "strange response" alert and leaves the machine where it
// was. Messages from other origins are dropped without an alert.
func (m *Machine) HandleMessage(ctx context.Context, origin string, raw []byte) error {
	event, recvErr := m.channel.Receive(origin, raw)
	if errors.Is(recvErr, domain.ErrOriginRejected) {
		observability.RecordProtocolError(string(domain.ErrorCodeOriginRejected))
		m.logger.Warn("Dropped message from unexpected origin", zap.String("origin", origin))
		return recvErr
	}

	m.mu.Lock()
	if !m.state.acceptsSaleData() || m.stopped {
		state := m.state
		m.mu.Unlock()
		m.logger.Info("Ignoring message",
			zap.String("state", state.String()),
			zap.String("step", string(event.Step)),
		)
		return domain.ErrInvalidState.WithDetail("state", state.String())
	}

	if recvErr != nil {
		m.protocolError(recvErr)
		m.mu.Unlock()
		return recvErr
	}

	if event.Step != domain.StepData {
		err := domain.ErrUnexpectedStep.WithDetail("step", string(event.Step))
		m.protocolError(err)
		m.mu.Unlock()
		return err
	}

	sale, err := m.saleContext(event)
	if err != nil {
		m.protocolError(err)
		m.mu.Unlock()
		return err
	}

	m.sale = &sale
	m.display.Clear()
	m.display.Show(MessageTapOrInsert)
	m.transition(StateAwaitingTerminal)
	m.mu.Unlock()

	m.logger.Info("Sending sale to terminal",
		zap.String("amount", sale.Amount.String()),
		zap.String("register_id", sale.OriginatingTerminalID),
		zap.String("launch_origin", sale.LaunchOrigin),
	)

	resp, err := m.terminal.RequestPayment(ctx, sale.Amount, sale.LaunchOrigin)
	return m.handleTerminalResult(resp, err)
}

func (m *Machine) handleTerminalResult(resp *domain.TerminalResponse, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		m.logger.Info("Terminal result after stop, discarding", zap.Error(err))
		return nil
	}

	if err != nil {
		m.logger.Error("Terminal request failed, exiting", zap.Error(err))
		observability.RecordTransactionOutcome("NETWORK_ERROR", string(domain.StepExit))

		m.display.Clear()
		m.display.Show(MessageNetworkFailure)
		m.scheduleClosing(domain.StepExit, NetworkFailureDelay)
		return nil
	}

	outcome, err := status.MapResponse(resp)
	if err != nil {
		// The dialog stays open; the host has to close it
		m.logger.Warn("Terminal status has no closing step",
			zap.String("reference_id", resp.ReferenceID),
			zap.String("status", resp.RawStatus),
		)
		observability.RecordTransactionOutcome(string(outcome.Status), "")
		return err
	}

	observability.RecordTransactionOutcome(string(outcome.Status), string(outcome.ClosingStep))
	m.display.Clear()
	m.display.Show(outcome.DisplayMessage)
	m.scheduleClosing(outcome.ClosingStep, outcome.Delay)
	return nil
}

// scheduleClosing must be called with mu held
func (m *Machine) scheduleClosing(step domain.Step, delay time.Duration) {
	if step == domain.StepAccept {
		m.result = ResultAccepted
	} else {
		m.result = ResultExited
	}
	m.transition(StateClosing)

	m.pending = m.scheduler.Schedule(delay, func() {
		m.emitClosing(step)
	})
}

func (m *Machine) emitClosing(step domain.Step) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()

	if err := m.channel.Send(context.Background(), domain.NewClosingEvent(step)); err != nil {
		m.logger.Error("Failed to send closing step", zap.String("step", string(step)), zap.Error(err))
	}
	m.closeDone()
}

// protocolError must be called with mu held
func (m *Machine) protocolError(err error) {
	observability.RecordProtocolError(string(domain.GetErrorCode(err)))
	m.logger.Warn("Protocol error from host", zap.String("state", m.state.String()), zap.Error(err))
	m.display.Alert(MessageStrangeResponse)
}

// saleContext builds the one SaleContext for this transaction from the DATA
// reply and the launch URL. The reply's amount wins over the launch amount.
func (m *Machine) saleContext(event domain.HandshakeEvent) (domain.SaleContext, error) {
	sale := domain.SaleContext{LaunchOrigin: m.launch.Origin}

	var payment map[string]any
	if raw, ok := event.Payload["payment"]; ok && raw != nil {
		payment, ok = raw.(map[string]any)
		if !ok {
			return domain.SaleContext{}, domain.ErrMalformedMessage.WithDetail("reason", "payment is not an object")
		}
	}

	amount, found, err := amountField(payment["amount"])
	if err != nil {
		return domain.SaleContext{}, err
	}
	switch {
	case found:
		sale.Amount = amount
	case m.launch.Amount.Valid:
		sale.Amount = m.launch.Amount.Decimal
	default:
		return domain.SaleContext{}, domain.ErrMissingAmount
	}
	if !sale.Amount.IsPositive() {
		return domain.SaleContext{}, domain.ErrMissingAmount.WithDetail("amount", sale.Amount.String())
	}

	switch id := payment["register_id"].(type) {
	case nil:
	case string:
		sale.OriginatingTerminalID = id
	case json.Number:
		sale.OriginatingTerminalID = id.String()
	default:
		return domain.SaleContext{}, domain.ErrMalformedMessage.WithDetail("reason", "register_id is not a string")
	}

	return sale, nil
}

func amountField(v any) (decimal.Decimal, bool, error) {
	var raw string
	switch a := v.(type) {
	case nil:
		return decimal.Decimal{}, false, nil
	case json.Number:
		raw = a.String()
	case string:
		if a == "" {
			return decimal.Decimal{}, false, nil
		}
		raw = a
	case float64:
		return decimal.NewFromFloat(a), true, nil
	default:
		return decimal.Decimal{}, false, domain.ErrMalformedMessage.WithDetail("reason", "amount is not a number")
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false, domain.WrapError(domain.ErrorCodeMalformedMessage, "invalid amount", err)
	}
	return amount, true, nil
}

// transition must be called with mu held; states never move backwards
func (m *Machine) transition(next State) {
	if next < m.state {
		panic(fmt.Sprintf("bridge: transition %s -> %s", m.state, next))
	}
	m.logger.Debug("State transition",
		zap.String("from", m.state.String()),
		zap.String("to", next.String()),
	)
	m.state = next
}

// Stop cancels a pending closing step. Later messages and terminal results
// are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
	m.mu.Unlock()

	m.closeDone()
}

// Done is closed once the closing step has been sent or the machine stopped
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) closeDone() {
	m.closeOnce.Do(func() { close(m.done) })
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Result returns ACCEPTED or EXITED once closing, NONE before
func (m *Machine) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Sale returns a copy of the sale context once the DATA reply was accepted
func (m *Machine) Sale() (domain.SaleContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sale == nil {
		return domain.SaleContext{}, false
	}
	return *m.sale, true
}
