package ncp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIEEE = [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

func deviceInfoRsp() []byte {
	p := []byte{0x00}
	p = append(p, testIEEE[:]...)
	p = append(p, 0x00, 0x00) // short 0x0000
	p = append(p, 0x07, 0x09) // device type, state
	return p
}

// startUp provisions and answers every startup step successfully.
func startUp(t *testing.T, z *ZStack) {
	t.Helper()
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupNewNetwork})
	z.handleFrame(0x6700, deviceInfoRsp())
	z.handleFrame(mtZDOStateChangeInd, []byte{devStateZBCoord})
	z.handleFrame(mtAppCnfBDBCommissioningNotification, []byte{bdbStatusSuccess, bdbModeInitialization, 0x00})
}

func TestStartupHandshake(t *testing.T) {
	z, tr, rec := newTestZStack(t)

	startUp(t, z)

	var startup []uint16
	for _, c := range tr.commands() {
		if c != mtSysOsalNVRead {
			startup = append(startup, c)
		}
	}
	assert.Equal(t, []uint16{mtAFRegister, mtZDOStartupFromApp, mtUtilGetDeviceInfo}, startup)

	frames := tr.frames()
	for _, f := range frames {
		switch f.Command {
		case mtAFRegister:
			assert.Equal(t, []byte{0x01, 0x04, 0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}, f.Payload)
		case mtZDOStartupFromApp:
			assert.Equal(t, []byte{0x00, 0x00}, f.Payload)
		}
	}

	ev, ok := rec.find(EventCoordinatorReady)
	require.True(t, ok)
	assert.Equal(t, testIEEE, ev.Data.(CoordinatorInfo).IEEEAddr)
	assert.Equal(t, testIEEE, z.LocalIEEE())
	assert.Equal(t, stageReady, z.stage)
	assert.Zero(t, rec.count(EventCoordinatorFailed))

	st, ok := rec.find(EventStatusChanged)
	require.True(t, ok)
	assert.Equal(t, devStateZBCoord, st.Data)
}

func TestStartupDuplicateEndpointIsSuccess(t *testing.T) {
	z, tr, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{mtStatusDuplicateEntry})
	assert.Equal(t, mtZDOStartupFromApp, tr.last().Command)
	assert.Zero(t, rec.count(EventCoordinatorFailed))
}

func TestStartupRegisterFailure(t *testing.T) {
	z, tr, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x01})

	ev, ok := rec.find(EventCoordinatorFailed)
	require.True(t, ok)
	assert.Equal(t, StartupFailure{Command: mtAFRegister, Status: 0x01}, ev.Data)
	assert.Equal(t, mtAFRegister, tr.last().Command)
}

func TestStartupNotStartedHalts(t *testing.T) {
	z, tr, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupNotStarted})

	assert.Equal(t, 1, rec.count(EventCoordinatorFailed))
	assert.Equal(t, mtZDOStartupFromApp, tr.last().Command, "no device info request after failure")

	// Later indications cannot revive the sequence.
	z.handleFrame(0x6700, deviceInfoRsp())
	z.handleFrame(mtZDOStateChangeInd, []byte{devStateZBCoord})
	z.handleFrame(mtAppCnfBDBCommissioningNotification, []byte{bdbStatusSuccess, bdbModeInitialization, 0x00})
	assert.Zero(t, rec.count(EventCoordinatorReady))
}

func TestCommissioningNotificationGating(t *testing.T) {
	tests := []struct {
		name      string
		state     uint8
		payload   []byte
		wantReady bool
		wantFail  bool
	}{
		{"success", devStateZBCoord, []byte{0x00, 0x00, 0x00}, true, false},
		{"failure", devStateZBCoord, []byte{0x02, 0x00, 0x00}, false, true},
		{"in progress", devStateZBCoord, []byte{0x01, 0x00, 0x00}, false, false},
		{"other mode", devStateZBCoord, []byte{0x00, 0x04, 0x00}, false, false},
		{"not started", 0x08, []byte{0x00, 0x00, 0x00}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z, _, rec := newTestZStack(t)
			provision(t, z)
			z.handleFrame(0x6400, []byte{0x00})
			z.handleFrame(0x6540, []byte{startupRestored})
			z.handleFrame(0x6700, deviceInfoRsp())
			z.handleFrame(mtZDOStateChangeInd, []byte{tt.state})
			z.handleFrame(mtAppCnfBDBCommissioningNotification, tt.payload)

			assert.Equal(t, tt.wantReady, rec.count(EventCoordinatorReady) == 1)
			assert.Equal(t, tt.wantFail, rec.count(EventCoordinatorFailed) == 1)
		})
	}
}

func TestCommissioningBeforeDeviceInfo(t *testing.T) {
	z, tr, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupRestored})
	z.handleFrame(mtZDOStateChangeInd, []byte{devStateZBCoord})
	z.handleFrame(mtAppCnfBDBCommissioningNotification, []byte{bdbStatusSuccess, bdbModeInitialization, 0x00})

	assert.Zero(t, rec.count(EventCoordinatorReady), "ready before the local address is known")
	assert.Equal(t, stageDeviceInfo, z.stage)
	assert.Equal(t, [8]byte{}, z.LocalIEEE())

	z.handleFrame(0x6700, deviceInfoRsp())

	ev, ok := rec.find(EventCoordinatorReady)
	require.True(t, ok)
	assert.Equal(t, testIEEE, ev.Data.(CoordinatorInfo).IEEEAddr)
	assert.Equal(t, testIEEE, z.LocalIEEE())
	assert.Equal(t, stageReady, z.stage)
	assert.Equal(t, 1, rec.count(EventCoordinatorReady))

	// Binds now name the real coordinator address.
	require.NoError(t, z.BindRequest(BindRequest{
		TargetShortAddr: 0x1234, SrcIEEE: [8]byte{1}, SrcEndpoint: 1, ClusterID: 0x0006,
	}))
	assert.Equal(t, testIEEE[:], tr.last().Payload[14:22])
}

func TestEarlyCommissioningFailureReportedAfterDeviceInfo(t *testing.T) {
	z, _, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupRestored})
	z.handleFrame(mtZDOStateChangeInd, []byte{devStateZBCoord})
	z.handleFrame(mtAppCnfBDBCommissioningNotification, []byte{0x02, bdbModeInitialization, 0x00})
	assert.Zero(t, rec.count(EventCoordinatorFailed))

	z.handleFrame(0x6700, deviceInfoRsp())
	assert.Equal(t, 1, rec.count(EventCoordinatorFailed))
	assert.Zero(t, rec.count(EventCoordinatorReady))
}

func TestEarlyCommissioningForgottenOnReset(t *testing.T) {
	z, _, rec := newTestZStack(t)
	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupRestored})
	z.handleFrame(mtZDOStateChangeInd, []byte{devStateZBCoord})
	z.handleFrame(mtAppCnfBDBCommissioningNotification, []byte{bdbStatusSuccess, bdbModeInitialization, 0x00})

	provision(t, z)
	z.handleFrame(0x6400, []byte{0x00})
	z.handleFrame(0x6540, []byte{startupRestored})
	z.handleFrame(0x6700, deviceInfoRsp())

	assert.Zero(t, rec.count(EventCoordinatorReady))
	assert.Equal(t, stageCommissioning, z.stage)
}

func TestStartupIgnoresUnexpectedResponses(t *testing.T) {
	z, tr, rec := newTestZStack(t)
	provision(t, z)

	// Startup and device info responses before AF_REGISTER completes.
	z.handleFrame(0x6540, []byte{startupNotStarted})
	z.handleFrame(0x6700, deviceInfoRsp())
	assert.Zero(t, rec.count(EventCoordinatorFailed))
	assert.Equal(t, [8]byte{}, z.LocalIEEE())
	assert.Equal(t, mtAFRegister, tr.last().Command)

	z.handleFrame(0x6400, []byte{0x00})
	assert.Equal(t, mtZDOStartupFromApp, tr.last().Command)
}

func TestResetRestartsStartup(t *testing.T) {
	z, _, rec := newTestZStack(t)
	startUp(t, z)
	require.Equal(t, 1, rec.count(EventCoordinatorReady))

	startUp(t, z)
	assert.Equal(t, 2, rec.count(EventCoordinatorReady))
	assert.Equal(t, 2, rec.count(EventCoordinatorStarting))
}

func TestFormatIEEE(t *testing.T) {
	if got := formatIEEE(testIEEE); got != "8877665544332211" {
		t.Errorf("got %s, want 8877665544332211", got)
	}
}
