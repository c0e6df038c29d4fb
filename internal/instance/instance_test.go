package instance

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kstrand/macvm/internal/build"
	"github.com/kstrand/macvm/internal/metadata"
	"github.com/kstrand/macvm/internal/testutil"
	"github.com/kstrand/macvm/pkg/hypervisor"
	"github.com/kstrand/macvm/pkg/hypervisor/fake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// terminatePump makes sure every handle's event stream reaches its terminal
// state when the test ends, so no event pump outlives the test.
func terminatePump(t *testing.T, host *fake.Host) {
	t.Cleanup(func() {
		for _, h := range host.Handles() {
			h.EmitGuestStopped()
		}
	})
}

func installed(t *testing.T, host *fake.Host) (*Instance, string) {
	t.Helper()
	dir := t.TempDir()
	image := testutil.RestoreImage(t, host)

	inst, err := Create(dir, host, testutil.Config())
	require.NoError(t, err)
	require.NoError(t, inst.Install(context.Background(), image, 4, nil))
	return inst, image
}

func TestCreateRequiresConfiguration(t *testing.T) {
	_, err := Create(t.TempDir(), testutil.StableHost(), nil)
	require.ErrorIs(t, err, hypervisor.ErrConfigurationMissing)
}

func TestCreateRejectsInvalidConfiguration(t *testing.T) {
	cfg := testutil.Config()
	cfg.CPUCount = 0
	_, err := Create(t.TempDir(), testutil.StableHost(), cfg)
	require.Error(t, err)
}

func TestCreateWipesExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	stale := build.DiskPath(dir)
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0644))

	inst, err := Create(dir, testutil.StableHost(), testutil.Config())
	require.NoError(t, err)
	require.False(t, inst.Installed())

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale artifact survived create")
}

func TestInstall(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)

	dir := t.TempDir()
	image := testutil.RestoreImage(t, host)
	inst, err := Create(dir, host, testutil.Config())
	require.NoError(t, err)

	var fractions []float64
	err = inst.Install(context.Background(), image, 4, func(f float64) {
		fractions = append(fractions, f)
	})
	require.NoError(t, err)

	require.True(t, inst.Installed())
	require.Equal(t, []float64{0, 0.5, 1}, fractions)

	// The disk exists at the requested logical size.
	fi, err := os.Stat(build.DiskPath(dir))
	require.NoError(t, err)
	require.Equal(t, int64(4<<30), fi.Size())

	// Identity is durable, not just in memory.
	onDisk, err := metadata.NewStore(dir).Load()
	require.NoError(t, err)
	require.True(t, onDisk.Installed)
	require.NotEmpty(t, onDisk.HardwareModel)
	require.NotEmpty(t, onDisk.MachineIdentifier)
	require.NotEmpty(t, onDisk.MACAddress)
}

func TestInstallTwice(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)

	inst, image := installed(t, host)
	err := inst.Install(context.Background(), image, 4, nil)
	require.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestInstallIncompatibleImage(t *testing.T) {
	host := testutil.StableHost()
	inst, err := Create(t.TempDir(), host, testutil.Config())
	require.NoError(t, err)

	err = inst.Install(context.Background(), "/images/unknown.ipsw", 4, nil)
	require.ErrorIs(t, err, hypervisor.ErrImageIncompatible)
	require.False(t, inst.Installed())
}

// A cancelled installation leaves installed=false; a retry in the same
// directory succeeds and replaces both identity blobs with fresh values.
func TestInstallCancelledThenRetried(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)

	dir := t.TempDir()
	image := testutil.RestoreImage(t, host)
	inst, err := Create(dir, host, testutil.Config())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	host.InstallHook = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}
	err = inst.Install(ctx, image, 4, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, inst.Installed())

	firstID := inst.Metadata().MachineIdentifier
	require.NotEmpty(t, firstID, "identity persists across the failed attempt")

	host.InstallHook = nil
	require.NoError(t, inst.Install(context.Background(), image, 4, nil))
	require.True(t, inst.Installed())
	require.NotEqual(t, firstID, inst.Metadata().MachineIdentifier,
		"retried install must mint a fresh machine identifier")
}

// Reopening an installed instance reuses the persisted identity byte for
// byte; nothing is regenerated.
func TestReopenPreservesIdentity(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)

	inst, _ := installed(t, host)
	before := inst.Metadata()

	reopened, err := Open(inst.Dir(), host)
	require.NoError(t, err)
	require.True(t, reopened.Installed())
	require.NoError(t, reopened.Configure(context.Background()))

	after := reopened.Metadata()
	require.Equal(t, before.HardwareModel, after.HardwareModel)
	require.Equal(t, before.MachineIdentifier, after.MachineIdentifier)
	require.Equal(t, before.MACAddress, after.MACAddress)

	// The devices were built from the persisted identity.
	set := host.LastHandle().Set
	require.Equal(t, before.HardwareModel, set.Platform.HardwareModel.DataRepresentation())
	require.Equal(t, before.MachineIdentifier, set.Platform.MachineIdentifier.DataRepresentation())
	require.Equal(t, before.MACAddress, set.Network[0].MACAddress)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(t.TempDir(), testutil.StableHost())
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestOpenCorruptIdentity(t *testing.T) {
	dir := t.TempDir()
	store := metadata.NewStore(dir)
	require.NoError(t, store.Save(&metadata.Metadata{
		Configuration:     testutil.Config(),
		Installed:         true,
		HardwareModel:     []byte("junk"),
		MachineIdentifier: []byte("junk"),
	}))

	_, err := Open(dir, testutil.StableHost())
	require.ErrorIs(t, err, hypervisor.ErrCorruptIdentity)
}

func TestStartStop(t *testing.T) {
	host := testutil.StableHost()
	inst, _ := installed(t, host)

	require.NoError(t, inst.Start(context.Background()))
	require.True(t, inst.Running())
	require.True(t, host.LastHandle().Started())

	err := inst.Start(context.Background())
	require.ErrorIs(t, err, hypervisor.ErrAlreadyRunning)

	require.NoError(t, inst.Stop(context.Background()))
	require.False(t, inst.Running())

	select {
	case <-inst.Done():
	default:
		t.Fatal("Done() not closed after stop")
	}
}

// A handle whose event stream has ended has no observer left, so a restart
// must go through Configure again before it is accepted.
func TestRestartRequiresReconfigure(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)
	inst, _ := installed(t, host)

	require.NoError(t, inst.Start(context.Background()))
	require.NoError(t, inst.Stop(context.Background()))

	require.ErrorIs(t, inst.Start(context.Background()), hypervisor.ErrNotCreated)

	require.NoError(t, inst.Configure(context.Background()))
	require.NoError(t, inst.Start(context.Background()))
	require.True(t, inst.Running())

	// The new run is observed: a guest stop reaches this instance.
	done := inst.Done()
	host.LastHandle().EmitGuestStopped()
	<-done
	require.False(t, inst.Running())
}

func TestRestartAfterGuestStop(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)
	inst, _ := installed(t, host)

	require.NoError(t, inst.Start(context.Background()))
	done := inst.Done()
	host.LastHandle().EmitGuestStopped()
	<-done

	require.ErrorIs(t, inst.Start(context.Background()), hypervisor.ErrNotCreated)

	require.NoError(t, inst.Configure(context.Background()))
	require.NoError(t, inst.Start(context.Background()))
	require.True(t, inst.Running())
}

func TestMetadataCopyIsDetached(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)
	inst, _ := installed(t, host)

	snap := inst.Metadata()
	snap.Configuration.CPUCount = 99
	snap.MachineIdentifier[0] ^= 0xff

	fresh := inst.Metadata()
	require.NotEqual(t, 99, fresh.Configuration.CPUCount)
	require.NotEqual(t, snap.MachineIdentifier, fresh.MachineIdentifier)
}

func TestStartWithoutConfigure(t *testing.T) {
	inst, err := Create(t.TempDir(), testutil.StableHost(), testutil.Config())
	require.NoError(t, err)

	require.ErrorIs(t, inst.Start(context.Background()), hypervisor.ErrNotCreated)
	require.ErrorIs(t, inst.Stop(context.Background()), hypervisor.ErrNotCreated)
}

func TestStartFailureRecorded(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)
	inst, _ := installed(t, host)

	startErr := errors.New("platform refused")
	host.StartErr = startErr

	err := inst.Start(context.Background())
	require.ErrorIs(t, err, startErr)
	require.False(t, inst.Running(), "running must not flip on a failed start")
	require.ErrorIs(t, inst.LastError(), startErr)
}

func TestGuestInitiatedStop(t *testing.T) {
	host := testutil.StableHost()
	inst, _ := installed(t, host)

	require.NoError(t, inst.Start(context.Background()))
	done := inst.Done()

	host.LastHandle().EmitGuestStopped()
	<-done
	require.False(t, inst.Running())
	require.NoError(t, inst.LastError())
}

func TestGuestFailure(t *testing.T) {
	host := testutil.StableHost()
	inst, _ := installed(t, host)

	require.NoError(t, inst.Start(context.Background()))
	done := inst.Done()

	guestErr := errors.New("guest panicked")
	host.LastHandle().EmitGuestFailed(guestErr)
	<-done
	require.False(t, inst.Running())
	require.ErrorIs(t, inst.LastError(), guestErr)
}

func TestDoneBeforeFirstStart(t *testing.T) {
	inst, err := Create(t.TempDir(), testutil.StableHost(), testutil.Config())
	require.NoError(t, err)

	select {
	case <-inst.Done():
	default:
		t.Fatal("Done() must be closed before the first start")
	}
}

// Boot modes requested in the configuration travel through the capability
// shim on whichever surface the host exposes.
func TestBootModesApplied(t *testing.T) {
	for _, tier := range []hypervisor.Tier{hypervisor.TierLegacy, hypervisor.TierStable} {
		t.Run(tier.String(), func(t *testing.T) {
			host := fake.NewHost(tier)
			image := testutil.RestoreImage(t, host)

			cfg := testutil.Config()
			cfg.DebugPort = 8000
			cfg.HaltOnPanic = true
			cfg.BootIntoRecovery = true

			inst, err := Create(t.TempDir(), host, cfg)
			require.NoError(t, err)
			require.NoError(t, inst.Install(context.Background(), image, 4, nil))
			require.NoError(t, inst.Start(context.Background()))
			defer func() { require.NoError(t, inst.Stop(context.Background())) }()

			boot := host.LastHandle().BootState()
			require.Equal(t, 8000, boot.DebugStubPort)
			require.True(t, boot.HaltOnPanic)
			require.True(t, boot.Recovery)
			require.False(t, boot.ForceDFU)

			for op, routed := range host.LastHandle().Routes() {
				require.Equal(t, tier, routed, "operation %s", op)
			}
		})
	}
}

// A gated boot mode on a host with no capable surface fails the operation
// before the VM is started.
func TestBootModeUnavailable(t *testing.T) {
	host := fake.NewHost()
	image := testutil.RestoreImage(t, host)

	cfg := testutil.Config()
	cfg.DebugPort = 8000

	// A pre-seeded MAC keeps the configuration build from needing a surface,
	// so the failure lands on the debug stub itself.
	dir := t.TempDir()
	require.NoError(t, metadata.NewStore(dir).Save(&metadata.Metadata{
		Configuration: cfg,
		MACAddress:    "06:00:00:00:00:01",
	}))
	inst, err := Open(dir, host)
	require.NoError(t, err)

	err = inst.Install(context.Background(), image, 4, nil)
	require.ErrorIs(t, err, hypervisor.ErrCapabilityUnavailable)
	require.False(t, inst.Installed())
}

// MAC generation needs some surface even for plain configurations; with no
// surface at all the configuration build fails fast.
func TestConfigureNoSurface(t *testing.T) {
	host := fake.NewHost()
	image := testutil.RestoreImage(t, host)

	inst, err := Create(t.TempDir(), host, testutil.Config())
	require.NoError(t, err)

	err = inst.Install(context.Background(), image, 4, nil)
	require.ErrorIs(t, err, hypervisor.ErrCapabilityUnavailable)
	require.Empty(t, inst.Metadata().MACAddress)
}

// Plain configurations never touch the gated boot controls, so a surface-less
// host with an already-assigned MAC runs the full lifecycle.
func TestPlainConfigurationNeedsNoControls(t *testing.T) {
	host := fake.NewHost()
	terminatePump(t, host)
	image := testutil.RestoreImage(t, host)

	dir := t.TempDir()
	require.NoError(t, metadata.NewStore(dir).Save(&metadata.Metadata{
		Configuration: testutil.Config(),
		MACAddress:    "06:00:00:00:00:01",
	}))
	inst, err := Open(dir, host)
	require.NoError(t, err)

	require.NoError(t, inst.Install(context.Background(), image, 4, nil))
	require.NoError(t, inst.Start(context.Background()))
	require.NoError(t, inst.Stop(context.Background()))
}

func TestConcurrentOperationsRejected(t *testing.T) {
	host := testutil.StableHost()
	terminatePump(t, host)

	dir := t.TempDir()
	image := testutil.RestoreImage(t, host)
	inst, err := Create(dir, host, testutil.Config())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	host.InstallHook = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	installErr := make(chan error, 1)
	go func() {
		installErr <- inst.Install(context.Background(), image, 4, nil)
	}()

	<-entered
	require.ErrorIs(t, inst.Start(context.Background()), hypervisor.ErrBusy)
	require.ErrorIs(t, inst.Stop(context.Background()), hypervisor.ErrBusy)
	require.ErrorIs(t, inst.Configure(context.Background()), hypervisor.ErrBusy)
	require.ErrorIs(t, inst.Install(context.Background(), image, 4, nil), hypervisor.ErrBusy)

	close(release)
	require.NoError(t, <-installErr)
	require.True(t, inst.Installed())
}
