package ncp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ZStackConfig holds constructor-time network parameters.
type ZStackConfig struct {
	Channel    uint8
	PanID      uint16
	NetworkKey [16]byte
	// Table overrides the configuration table built from the fields above.
	Table ConfigTable
}

type zstackStage uint8

const (
	stageIdle zstackStage = iota
	stageProvisioning
	stageRegistering
	stageStarting
	stageDeviceInfo
	stageCommissioning
	stageReady
	stageFailed
)

func (s zstackStage) String() string {
	switch s {
	case stageIdle:
		return "idle"
	case stageProvisioning:
		return "provisioning"
	case stageRegistering:
		return "registering"
	case stageStarting:
		return "starting"
	case stageDeviceInfo:
		return "device_info"
	case stageCommissioning:
		return "commissioning"
	case stageReady:
		return "ready"
	case stageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ZStack implements NCP for TI Z-Stack coordinators speaking MT over UART.
type ZStack struct {
	transport Transport
	sink      EventSink
	logger    *slog.Logger
	table     ConfigTable

	writeMu sync.Mutex

	// Owned by the read goroutine.
	dec      FrameDecoder
	stage    zstackStage
	cursor   int
	writing  bool
	netState uint8
	// Commissioning result seen before the device info reply.
	earlyBDB       bool
	earlyBDBStatus uint8

	clearFlag  atomic.Bool
	permitJoin atomic.Bool

	// Owner of each unacknowledged NV write, oldest first. true marks the
	// write issued by Clear. Z-Stack answers SRSPs in request order.
	nvMu     sync.Mutex
	nvWrites []bool

	addrMu    sync.RWMutex
	ieee      [8]byte
	shortAddr uint16

	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
}

// NewZStack creates a Z-Stack driver on an open transport. Events go to sink.
func NewZStack(t Transport, sink EventSink, cfg ZStackConfig, logger *slog.Logger) (*ZStack, error) {
	if t == nil {
		return nil, errors.New("zstack: nil transport")
	}
	if sink == nil {
		sink = EventSinkFunc(func(Event) {})
	}
	if logger == nil {
		logger = slog.Default()
	}

	table := cfg.Table
	if table == nil {
		key := cfg.NetworkKey
		if key == ([16]byte{}) {
			key = DefaultNetworkKey
		}
		var err error
		table, err = DefaultConfigTable(cfg.Channel, cfg.PanID, key)
		if err != nil {
			return nil, fmt.Errorf("zstack: %w", err)
		}
	}
	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("zstack: %w", err)
	}

	return &ZStack{
		transport: t,
		sink:      sink,
		logger:    logger,
		table:     table.clone(),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the read goroutine and resets the radio. Provisioning and
// coordinator startup follow from the reset indication.
func (z *ZStack) Start() error {
	if !z.started.CompareAndSwap(false, true) {
		return errors.New("zstack: already started")
	}
	select {
	case <-z.done:
		return ErrClosed
	default:
	}
	z.wg.Add(1)
	go z.readLoop()
	return z.Reset()
}

// Close stops the read goroutine and closes the transport.
func (z *ZStack) Close() error {
	var err error
	z.closeOnce.Do(func() {
		close(z.done)
		err = z.transport.Close()
		z.wg.Wait()
	})
	return err
}

// Reset pulses the radio's reset line, or sends SYS_RESET_REQ when the
// transport has none.
func (z *ZStack) Reset() error {
	if r, ok := z.transport.(HardwareResetter); ok {
		err := r.HardwareReset()
		if err == nil {
			z.logger.Info("zstack hardware reset")
			return nil
		}
		if !errors.Is(err, ErrNoResetLine) {
			return fmt.Errorf("zstack reset: %w", err)
		}
	}
	z.logger.Info("zstack reset request")
	return z.writeFrame(mtSysResetReq, []byte{0x00})
}

// Clear erases the radio's configuration and network state. The startup
// option is written, the radio is reset, and provisioning starts over from
// a freshly created marker item.
func (z *ZStack) Clear() error {
	z.clearFlag.Store(true)
	if err := z.writeNV(nvStartupOption, []byte{nvStartupClearAll}, true); err != nil {
		z.clearFlag.Store(false)
		return err
	}
	return nil
}

// LocalIEEE returns the coordinator's extended address, zero until startup
// has read the device information.
func (z *ZStack) LocalIEEE() [8]byte {
	z.addrMu.RLock()
	defer z.addrMu.RUnlock()
	return z.ieee
}

func (z *ZStack) setLocalAddr(ieee [8]byte, short uint16) {
	z.addrMu.Lock()
	z.ieee = ieee
	z.shortAddr = short
	z.addrMu.Unlock()
}

func (z *ZStack) localInfo() CoordinatorInfo {
	z.addrMu.RLock()
	defer z.addrMu.RUnlock()
	return CoordinatorInfo{IEEEAddr: z.ieee, ShortAddr: z.shortAddr}
}

// --- Transport ---

// writeFrame encodes and writes one frame. Frames are written whole.
func (z *ZStack) writeFrame(cmd uint16, payload []byte) error {
	select {
	case <-z.done:
		return ErrClosed
	default:
	}
	raw, err := EncodeFrame(cmd, payload)
	if err != nil {
		return fmt.Errorf("zstack: %w", err)
	}

	z.writeMu.Lock()
	_, err = z.transport.Write(raw)
	z.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("zstack write %s: %w", mtCmdName(cmd), err)
	}
	z.logger.Debug("zstack TX", "cmd", mtCmdName(cmd), "payload", fmt.Sprintf("%X", payload))
	return nil
}

// send is writeFrame for the state machines, which report failures as logs.
func (z *ZStack) send(cmd uint16, payload []byte) {
	if err := z.writeFrame(cmd, payload); err != nil && !errors.Is(err, ErrClosed) {
		z.logger.Error("zstack send failed", "cmd", mtCmdName(cmd), "err", err)
	}
}

// hardReset is Reset for the state machines. It blocks the read goroutine
// for the duration of the reset pulse.
func (z *ZStack) hardReset() {
	if err := z.Reset(); err != nil {
		z.logger.Error("zstack reset failed", "err", err)
	}
}

func (z *ZStack) emit(kind EventKind, data interface{}) {
	z.logger.Debug("zstack event", "kind", kind.String())
	z.sink.HandleEvent(Event{Kind: kind, Data: data})
}

// --- Read loop ---

const readBufferSize = 256

// readLoop reads from the transport and dispatches decoded frames. It is
// the only goroutine that runs the state machines and calls the sink.
func (z *ZStack) readLoop() {
	defer z.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-z.done:
			return
		default:
		}

		n, err := z.transport.Read(buf)
		if err != nil {
			select {
			case <-z.done:
				return
			default:
			}
			if err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) {
				z.logger.Error("zstack read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-z.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond
		if n == 0 {
			continue
		}

		for _, f := range z.dec.Feed(buf[:n]) {
			z.handleFrame(f.Command, f.Payload)
		}
	}
}

// handleFrame routes one decoded frame by its direction-normalized command.
func (z *ZStack) handleFrame(cmd uint16, payload []byte) {
	z.logger.Debug("zstack RX", "cmd", mtCmdName(cmd), "payload", fmt.Sprintf("%X", payload))

	switch normalizeCommand(cmd) {
	// Provisioning
	case mtSysResetInd:
		z.onResetInd(payload)
	case mtSysOsalNVItemInit:
		z.onNVItemInit(payload)
	case mtSysOsalNVRead:
		z.onNVRead(payload)
	case mtSysOsalNVWrite:
		z.onNVWrite(payload)

	// Startup
	case mtAFRegister:
		z.onAFRegister(payload)
	case mtZDOStartupFromApp:
		z.onStartupFromApp(payload)
	case mtUtilGetDeviceInfo:
		z.onDeviceInfo(payload)
	case mtZDOStateChangeInd:
		z.onStateChange(payload)
	case mtAppCnfBDBCommissioningNotification:
		z.onCommissioningNotification(payload)

	// Runtime
	case mtZDOMgmtPermitJoinReq:
		z.onPermitJoinAck(payload)
	case mtZDOMgmtPermitJoinRsp:
		z.logger.Debug("zstack permit join response", "payload", fmt.Sprintf("%X", payload))
	case mtAFDataRequest:
		z.onDataRequestAck(payload)
	case mtAFDataConfirm:
		z.onDataConfirm(payload)
	case mtZDOBindReq:
		z.onBindAck(payload)
	case mtZDOBindRsp:
		z.onBindRsp(payload)
	case mtZDOEndDeviceAnnceInd:
		z.onDeviceAnnounce(payload)
	case mtZDOLeaveInd:
		z.onDeviceLeave(payload)
	case mtAFIncomingMsg:
		z.onIncomingMsg(payload)

	default:
		z.logger.Debug("zstack unhandled frame", "cmd", mtCmdName(cmd))
	}
}
