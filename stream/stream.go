package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/m-lab/quic/flowcontrol"
	"github.com/m-lab/quic/wire"
)

// Error types.
var (
	ErrClosedStream  = errors.New("stream: operation on closed stream")
	ErrWriteOnly     = errors.New("stream: read from a send-only stream")
	ErrReadOnly      = errors.New("stream: write to a receive-only stream")
	ErrFinishedWrite = errors.New("stream: write after close")
)

// deadlineError is returned when a Read or Write deadline passes; it
// satisfies net.Error so callers can test Timeout().
type deadlineError struct{}

func (deadlineError) Error() string   { return "stream: deadline exceeded" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return true }

// ErrDeadlineExceeded is returned when a stream operation deadline passes.
var ErrDeadlineExceeded error = deadlineError{}

// ResetError reports a stream reset by the peer, carrying the application
// error code from the RESET_STREAM frame.
type ResetError struct {
	Code uint64
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("stream: reset by peer, code %d", e.Code)
}

// Notifier is the stream's handle back to its connection.  Streams never
// hold a reference to the connection itself; the connection owns the
// stream map and supplies this narrow interface at construction.
type Notifier interface {
	// Wake signals that the stream has frames to transmit.
	Wake()
	// StreamDone signals that both halves reached a terminal state.
	StreamDone(id wire.StreamID)
	// DataConsumed reports bytes the application read, for
	// connection-level flow control.  It must not block or take locks.
	DataConsumed(n uint64)
}

// Stream is one QUIC stream.  The application side (Read, Write, Close,
// Reset, deadlines) may be used from any goroutine; the frame-facing
// methods are called only by the connection driver.
type Stream struct {
	id        wire.StreamID
	localSide wire.Side

	mu   sync.Mutex
	cond *sync.Cond

	// Send half.
	sendState    SendState
	sb           SendBuffer
	fcSend       *flowcontrol.Sender
	maxSendBuf   int
	resetCode    uint64
	resetPending bool // RESET_STREAM frame awaiting transmission
	sendErr      error

	// Receive half.
	recvState      RecvState
	ra             Reassembly
	fcRecv         *flowcontrol.Receiver
	recvResetCode  uint64
	stopPending    bool // STOP_SENDING frame awaiting transmission
	stopCode       uint64
	maxDataPending bool // MAX_STREAM_DATA frame awaiting transmission
	recvErr        error

	readDeadline  time.Time
	writeDeadline time.Time

	notifier Notifier
	doneSent bool
}

// Config carries the per-stream limits a connection passes at creation.
type Config struct {
	// SendLimit is the peer's initial MAX_STREAM_DATA for our send half.
	SendLimit uint64
	// RecvWindow is the credit we advertise for the receive half.
	RecvWindow uint64
	// MaxSendBuffer bounds bytes buffered by Write before it blocks.
	MaxSendBuffer int
}

// New creates a stream.  localSide is this endpoint's role, used to decide
// which halves the stream ID grants us.
func New(id wire.StreamID, localSide wire.Side, cfg Config, n Notifier) *Stream {
	s := &Stream{
		id:         id,
		localSide:  localSide,
		fcSend:     flowcontrol.NewSender(cfg.SendLimit),
		fcRecv:     flowcontrol.NewReceiver(cfg.RecvWindow),
		maxSendBuf: cfg.MaxSendBuffer,
		notifier:   n,
	}
	s.cond = sync.NewCond(&s.mu)
	if !s.canSend() {
		s.sendState = SendDataRecvd
	}
	if !s.canRecv() {
		s.recvState = RecvDataRead
	}
	return s
}

// ID returns the stream ID.
func (s *Stream) ID() wire.StreamID {
	return s.id
}

func (s *Stream) canSend() bool {
	return s.id.IsBidirectional() || s.id.Initiator() == s.localSide
}

func (s *Stream) canRecv() bool {
	return s.id.IsBidirectional() || s.id.Initiator() != s.localSide
}

// SendState returns the sending half's state.
func (s *Stream) SendState() SendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendState
}

// RecvState returns the receiving half's state.
func (s *Stream) RecvState() RecvState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvState
}

// waitLocked blocks on the condition variable until ready returns true or
// the deadline passes.  Callers fold terminal errors into ready.
func (s *Stream) waitLocked(deadline *time.Time, ready func() bool) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for !ready() {
		if !deadline.IsZero() {
			d := time.Until(*deadline)
			if d <= 0 {
				return ErrDeadlineExceeded
			}
			if timer == nil {
				timer = time.AfterFunc(d, s.cond.Broadcast)
			}
		}
		s.cond.Wait()
	}
	return nil
}

// Read reads stream data in order.  It blocks until data, FIN, reset, or
// the read deadline.  After the final byte it returns io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canRecv() {
		return 0, ErrWriteOnly
	}
	err := s.waitLocked(&s.readDeadline, func() bool {
		return s.ra.Available() > 0 || s.ra.Done() || s.recvErr != nil ||
			s.recvState == RecvResetRecvd || s.recvState == RecvResetRead
	})
	if err != nil {
		return 0, err
	}
	// Deliver buffered data before reporting any terminal condition.
	if s.ra.Available() > 0 {
		n := s.ra.Read(p)
		s.fcRecv.OnConsumed(uint64(n))
		s.notifier.DataConsumed(uint64(n))
		if _, ok := s.fcRecv.UpdatedLimit(); ok {
			s.maxDataPending = true
			s.notifier.Wake()
		}
		if s.ra.Done() {
			s.recvState = RecvDataRead
			s.maybeDoneLocked()
		}
		return n, nil
	}
	if s.recvState == RecvResetRecvd || s.recvState == RecvResetRead {
		s.recvState = RecvResetRead
		s.maybeDoneLocked()
		return 0, &ResetError{Code: s.recvResetCode}
	}
	if s.ra.Done() {
		s.recvState = RecvDataRead
		s.maybeDoneLocked()
		return 0, io.EOF
	}
	return 0, s.recvErr
}

// Write queues application bytes for transmission.  It blocks while the
// send buffer is full.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canSend() {
		return 0, ErrReadOnly
	}
	written := 0
	for written < len(p) {
		err := s.waitLocked(&s.writeDeadline, func() bool {
			return s.sendErr != nil || s.sb.Buffered() < s.maxSendBuf
		})
		if err != nil {
			return written, err
		}
		if s.sendErr != nil {
			return written, s.sendErr
		}
		room := s.maxSendBuf - s.sb.Buffered()
		chunk := p[written:]
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		s.sb.Append(chunk)
		written += len(chunk)
		if s.sendState == SendReady {
			s.sendState = SendSend
		}
		s.notifier.Wake()
	}
	return written, nil
}

// Close signals FIN: no more writes will follow.  Buffered data still
// drains.  The receive half is unaffected.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canSend() {
		return nil
	}
	if s.sendErr != nil || s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return nil
	}
	if s.sb.finSet {
		return nil
	}
	s.sb.SetFin()
	s.sendErr = ErrFinishedWrite
	if s.sendState == SendReady || s.sendState == SendSend {
		s.sendState = SendDataSent
	}
	s.notifier.Wake()
	return nil
}

// Reset abandons the send half, discarding buffered data and telling the
// peer via RESET_STREAM with the given application code.
func (s *Stream) Reset(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(code)
}

func (s *Stream) resetLocked(code uint64) {
	if !s.canSend() || s.sendState == SendResetSent || s.sendState == SendResetRecvd || s.sendState == SendDataRecvd {
		return
	}
	s.sendState = SendResetSent
	s.resetCode = code
	s.resetPending = true
	s.sendErr = &ResetError{Code: code}
	s.cond.Broadcast()
	s.notifier.Wake()
}

// StopSending asks the peer to stop transmitting, with an application
// code.  Data already received remains readable.
func (s *Stream) StopSending(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canRecv() || s.recvState == RecvResetRecvd || s.recvState == RecvResetRead {
		return
	}
	s.stopPending = true
	s.stopCode = code
	s.notifier.Wake()
}

// SetReadDeadline bounds future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.cond.Broadcast()
	return nil
}

// SetWriteDeadline bounds future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	s.cond.Broadcast()
	return nil
}

// SetDeadline bounds both directions.
func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	s.cond.Broadcast()
	return nil
}

func (s *Stream) maybeDoneLocked() {
	if s.doneSent {
		return
	}
	sendDone := s.sendState == SendDataRecvd || s.sendState == SendResetRecvd
	recvDone := s.recvState == RecvDataRead || s.recvState == RecvResetRead
	if sendDone && recvDone {
		s.doneSent = true
		s.notifier.StreamDone(s.id)
	}
}

/*********************************************************************************************/
/*              Frame-facing methods, called by the connection driver only                   */
/*********************************************************************************************/

// HandleStream applies an incoming STREAM frame.  It returns how many new
// connection-level flow control bytes the frame consumed.  Errors are
// *wire.TransportError values that close the connection.
func (s *Stream) HandleStream(f *wire.StreamFrame) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canRecv() {
		return 0, wire.NewError(wire.StreamStateError, "STREAM frame on send-only stream %s", s.id)
	}
	end := f.Offset + uint64(len(f.Data))
	if s.fcRecv.WouldExceed(end) {
		return 0, wire.NewError(wire.FlowControlError,
			"stream %s: offset %d exceeds limit %d", s.id, end, s.fcRecv.Limit())
	}
	if s.recvState == RecvResetRecvd || s.recvState == RecvResetRead {
		// Data after a reset is discarded, but still validated above.
		return s.fcRecv.OnData(end), nil
	}
	if err := s.ra.Insert(f.Offset, f.Data, f.Fin); err != nil {
		return 0, wire.NewError(wire.FinalSizeError, "stream %s: %v", s.id, err)
	}
	delta := s.fcRecv.OnData(end)
	if _, known := s.ra.FinalSize(); known && s.recvState == RecvRecv {
		s.recvState = RecvSizeKnown
	}
	if s.recvState == RecvSizeKnown && s.ra.SizeKnownAndComplete() {
		s.recvState = RecvDataRecvd
	}
	s.cond.Broadcast()
	return delta, nil
}

// HandleReset applies an incoming RESET_STREAM frame, returning the
// connection-level flow control delta implied by its final size.
func (s *Stream) HandleReset(f *wire.ResetStreamFrame) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canRecv() {
		return 0, wire.NewError(wire.StreamStateError, "RESET_STREAM on send-only stream %s", s.id)
	}
	if s.fcRecv.WouldExceed(f.FinalSize) {
		return 0, wire.NewError(wire.FlowControlError,
			"stream %s: reset final size %d exceeds limit %d", s.id, f.FinalSize, s.fcRecv.Limit())
	}
	if size, known := s.ra.FinalSize(); known && size != f.FinalSize {
		return 0, wire.NewError(wire.FinalSizeError,
			"stream %s: reset final size %d != known %d", s.id, f.FinalSize, size)
	}
	if f.FinalSize < s.ra.Highest() {
		return 0, wire.NewError(wire.FinalSizeError,
			"stream %s: reset final size %d below received %d", s.id, f.FinalSize, s.ra.Highest())
	}
	if s.recvState == RecvResetRecvd || s.recvState == RecvResetRead || s.recvState == RecvDataRead {
		return 0, nil
	}
	delta := s.fcRecv.OnData(f.FinalSize)
	s.recvState = RecvResetRecvd
	s.recvResetCode = f.Code
	s.cond.Broadcast()
	return delta, nil
}

// HandleStopSending reacts to the peer's STOP_SENDING by resetting our
// send half with the requested code.
func (s *Stream) HandleStopSending(f *wire.StopSendingFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canSend() {
		return wire.NewError(wire.StreamStateError, "STOP_SENDING on receive-only stream %s", s.id)
	}
	s.resetLocked(f.Code)
	return nil
}

// HandleMaxStreamData raises the send half's flow control limit.
func (s *Stream) HandleMaxStreamData(f *wire.MaxStreamDataFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fcSend.Update(f.Max) {
		s.notifier.Wake()
	}
}

// HasSendWork reports whether the stream has any frame to transmit, given
// the connection-level credit available for fresh data.
func (s *Stream) HasSendWork(connAvail uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetPending || s.stopPending || s.maxDataPending {
		return true
	}
	if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return false
	}
	avail := s.fcSend.Available()
	if avail > connAvail {
		avail = connAvail
	}
	return s.sb.Pending(avail)
}

// PopControlFrames collects pending non-STREAM frames for this stream.
func (s *Stream) PopControlFrames() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	if s.resetPending {
		s.resetPending = false
		out = append(out, &wire.ResetStreamFrame{ID: s.id, Code: s.resetCode, FinalSize: s.sb.nextSend})
	}
	if s.stopPending {
		s.stopPending = false
		out = append(out, &wire.StopSendingFrame{ID: s.id, Code: s.stopCode})
	}
	if s.maxDataPending {
		s.maxDataPending = false
		out = append(out, &wire.MaxStreamDataFrame{ID: s.id, Max: s.fcRecv.Limit()})
	}
	if limit, ok := s.fcSend.ShouldReportBlocked(); ok && s.sb.nextSend < s.sb.End() {
		out = append(out, &wire.StreamDataBlockedFrame{ID: s.id, Limit: limit})
	}
	return out
}

// PopStreamFrame builds the next STREAM frame, limited to maxBytes of
// payload and connAvail connection-level credit for fresh data.  fresh is
// the connection credit consumed.
func (s *Stream) PopStreamFrame(maxBytes int, connAvail uint64) (f *wire.StreamFrame, fresh uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxBytes <= 0 || s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return nil, 0
	}
	avail := s.fcSend.Available()
	if avail > connAvail {
		avail = connAvail
	}
	if !s.sb.Pending(avail) {
		return nil, 0
	}
	offset, data, fin, freshBytes := s.sb.NextRange(maxBytes, avail)
	if len(data) == 0 && !fin {
		return nil, 0
	}
	s.fcSend.Consume(freshBytes)
	return &wire.StreamFrame{
		ID:             s.id,
		Offset:         offset,
		Data:           append([]byte(nil), data...),
		Fin:            fin,
		DataLenPresent: true,
	}, freshBytes
}

// OnFrameAcked credits an acknowledged frame back to the stream.
func (s *Stream) OnFrameAcked(f wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch fr := f.(type) {
	case *wire.StreamFrame:
		s.sb.OnAck(fr.Offset, uint64(len(fr.Data)), fr.Fin)
		if s.sendState == SendDataSent && s.sb.AllAcked() {
			s.sendState = SendDataRecvd
			s.maybeDoneLocked()
		}
		s.cond.Broadcast()
	case *wire.ResetStreamFrame:
		if s.sendState == SendResetSent {
			s.sendState = SendResetRecvd
			s.maybeDoneLocked()
		}
	}
}

// OnFrameLost requeues a lost frame's content for retransmission.
func (s *Stream) OnFrameLost(f wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch fr := f.(type) {
	case *wire.StreamFrame:
		if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
			return
		}
		s.sb.OnLost(fr.Offset, uint64(len(fr.Data)), fr.Fin)
		s.notifier.Wake()
	case *wire.ResetStreamFrame:
		if s.sendState == SendResetSent {
			s.resetPending = true
			s.notifier.Wake()
		}
	case *wire.MaxStreamDataFrame:
		if s.canRecv() && (s.recvState == RecvRecv || s.recvState == RecvSizeKnown) {
			s.maxDataPending = true
			s.notifier.Wake()
		}
	case *wire.StopSendingFrame:
		if s.recvState != RecvResetRecvd && s.recvState != RecvResetRead {
			s.stopPending = true
			s.notifier.Wake()
		}
	}
}

// OnConnectionClosed fails all pending and future operations.
func (s *Stream) OnConnectionClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.sendErr = err
	}
	if s.recvErr == nil && !s.ra.Done() {
		s.recvErr = err
	}
	s.cond.Broadcast()
}
