package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

func TestValidateMountMapRejectsReservedPaths(t *testing.T) {
	mounts := []models.VFolderMount{{Name: "data"}}
	cases := []string{"/etc", "/etc/passwd", "/usr/local", "/proc/self", "/home/work", "/"}
	for _, alias := range cases {
		err := validateMountMap(mounts, map[string]string{"data": alias})
		require.Error(t, err, "alias %q must be rejected", alias)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	}
}

func TestValidateMountMapRejectsRelativeAlias(t *testing.T) {
	mounts := []models.VFolderMount{{Name: "data"}}
	err := validateMountMap(mounts, map[string]string{"data": "work/data"})
	require.Error(t, err)
}

func TestValidateMountMapRejectsDuplicates(t *testing.T) {
	err := validateMountMap(
		[]models.VFolderMount{{Name: "a"}, {Name: "a"}}, nil)
	require.Error(t, err)

	err = validateMountMap(
		[]models.VFolderMount{{Name: "a"}, {Name: "b"}},
		map[string]string{"a": "/home/work/x", "b": "/home/work/x/"})
	require.Error(t, err, "aliases cleaning to the same path must collide")
}

func TestValidateMountMapRejectsUnmountedFolder(t *testing.T) {
	err := validateMountMap(
		[]models.VFolderMount{{Name: "a"}},
		map[string]string{"b": "/home/work/b"})
	require.Error(t, err)
}

func TestValidateMountMapAcceptsWorkDirAliases(t *testing.T) {
	err := validateMountMap(
		[]models.VFolderMount{{Name: "a"}, {Name: "b"}},
		map[string]string{"a": "/home/work/a", "b": "/home/work/deep/b"})
	assert.NoError(t, err)
}

func TestApplyMountMapRewritesAliases(t *testing.T) {
	out := applyMountMap(
		[]models.VFolderMount{{Name: "a"}, {Name: "b"}},
		map[string]string{"a": "/home/work/alias//"})
	assert.Equal(t, "/home/work/alias", out[0].Alias)
	assert.Equal(t, "/home/work/b", out[1].MountPath)
}

func TestValidateBatchOptions(t *testing.T) {
	startsAt := time.Now()
	timeout := time.Hour

	err := validateBatchOptions(CreateSessionRequest{
		SessionType: types.SessionBatch,
	})
	require.Error(t, err, "batch without a startup command")

	err = validateBatchOptions(CreateSessionRequest{
		SessionType:    types.SessionBatch,
		StartupCommand: "python train.py",
		StartsAt:       &startsAt,
		BatchTimeout:   &timeout,
	})
	assert.NoError(t, err)

	err = validateBatchOptions(CreateSessionRequest{
		SessionType: types.SessionInteractive,
		StartsAt:    &startsAt,
	})
	require.Error(t, err, "starts_at on a non-batch session")

	err = validateBatchOptions(CreateSessionRequest{
		SessionType:  types.SessionInteractive,
		BatchTimeout: &timeout,
	})
	require.Error(t, err, "batch_timeout on a non-batch session")
}

func boundedImage() *models.Image {
	return &models.Image{
		Canonical:    "python:3.12",
		Architecture: "x86_64",
		MinSlots:     types.MustResourceSlot(map[string]string{"cpu": "1", "mem": "268435456"}),
		MaxSlots:     types.MustResourceSlot(map[string]string{"cpu": "8"}),
	}
}

func TestBuildKernelSlotsAppliesImageBounds(t *testing.T) {
	r := &Registry{cfg: Config{}.withDefaults()}

	slots, err := r.buildKernelSlots(CreateSessionRequest{
		Resources: map[string]string{"cpu": "0.5", "mem": "1073741824"},
	}, boundedImage())
	require.NoError(t, err)
	assert.Equal(t, "1", slots.Get("cpu").String(), "image minimum floors the request")
	assert.Equal(t, "1073741824", slots.Get("mem").String())

	// An omitted slot inherits the image minimum.
	slots, err = r.buildKernelSlots(CreateSessionRequest{
		Resources: map[string]string{"mem": "1073741824"},
	}, boundedImage())
	require.NoError(t, err)
	assert.Equal(t, "1", slots.Get("cpu").String())

	_, err = r.buildKernelSlots(CreateSessionRequest{
		Resources: map[string]string{"cpu": "16", "mem": "1073741824"},
	}, boundedImage())
	require.Error(t, err, "requests above the image maximum must be rejected")
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestBuildKernelSlotsRejectsOversizedSharedMemory(t *testing.T) {
	r := &Registry{cfg: Config{}.withDefaults()}
	img := &models.Image{Canonical: "python:3.12", Architecture: "x86_64"}

	_, err := r.buildKernelSlots(CreateSessionRequest{
		Resources:    map[string]string{"cpu": "2", "mem": "1073741824"},
		ResourceOpts: map[string]any{"shmem": "1g"},
	}, img)
	require.Error(t, err, "shmem equal to the memory slot must be rejected")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = r.buildKernelSlots(CreateSessionRequest{
		Resources:    map[string]string{"cpu": "2", "mem": "536870912"},
		ResourceOpts: map[string]any{"shmem": "1g"},
	}, img)
	require.Error(t, err, "shmem above the memory slot must be rejected")

	_, err = r.buildKernelSlots(CreateSessionRequest{
		Resources:    map[string]string{"cpu": "2", "mem": "1073741824"},
		ResourceOpts: map[string]any{"shmem": 64},
	}, img)
	require.Error(t, err, "non-string shmem must be rejected")

	// The 64m default fits comfortably under 1g.
	slots, err := r.buildKernelSlots(CreateSessionRequest{
		Resources: map[string]string{"cpu": "2", "mem": "1073741824"},
	}, img)
	require.NoError(t, err)
	assert.Equal(t, "2", slots.Get("cpu").String())
}

func TestHumanizeConstraint(t *testing.T) {
	assert.Equal(t, "No such scaling group",
		humanizeConstraint("sessions_scaling_group_fkey"))
	assert.Equal(t, "No such domain",
		humanizeConstraint("sessions_domain_fkey"))
	assert.Equal(t, "No such access key",
		humanizeConstraint("sessions_access_key_fkey"))
	assert.Contains(t,
		humanizeConstraint("sessions_mystery_fkey"), "mystery")
}

func TestCommitFilename(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "AKIAXXX-train-20260314-092653.tar.gz",
		commitFilename("AKIAXXX", "train", at))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcd1234", shortID("abcd1234-5678"))
	assert.Equal(t, "ab", shortID("ab"))
}
