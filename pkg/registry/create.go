package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// CreateSessionRequest carries every create_session input.
type CreateSessionRequest struct {
	Name         string
	Image        string
	Architecture string
	SessionType  types.SessionType

	Domain    string
	Project   string
	AccessKey string

	ScalingGroup string
	ClusterMode  types.ClusterMode
	ClusterSize  int
	Priority     int

	Resources    map[string]string
	ResourceOpts map[string]any
	Mounts       []models.VFolderMount
	MountMap     map[string]string
	Environ      map[string]string
	PreopenPorts []int

	BootstrapScript string
	StartupCommand  string
	Dependencies    []string
	StartsAt        *time.Time
	BatchTimeout    *time.Duration
	Tag             string
	CallbackURL     string
	RouteID         string

	Reuse          bool
	EnqueueOnly    bool
	MaxWaitSeconds int
}

// CreateSessionResult reports the outcome back to the API caller.
type CreateSessionResult struct {
	SessionID    string
	CreationID   string
	Status       string
	ServicePorts []models.ServicePort
}

// Paths no mount alias may target or shadow.
var reservedMountPaths = []string{
	"/bin", "/boot", "/dev", "/etc", "/lib", "/lib64", "/media", "/mnt",
	"/opt", "/proc", "/root", "/run", "/sbin", "/srv", "/sys", "/tmp",
	"/usr", "/var",
}

const workDir = "/home/work"

// CreateSession validates the request, enqueues the PENDING session with its
// kernels, and optionally waits for the first decisive lifecycle event.
func (r *Registry) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	if req.Name == "" {
		return nil, &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if req.ClusterSize < 1 {
		req.ClusterSize = 1
	}
	if req.ClusterMode == "" {
		req.ClusterMode = types.SingleNode
	}
	if req.Architecture == "" {
		req.Architecture = "x86_64"
	}

	if err := validateMountMap(req.Mounts, req.MountMap); err != nil {
		return nil, err
	}
	if err := r.validateSlotNames(ctx, req.Resources); err != nil {
		return nil, err
	}

	keypair, err := r.store.GetKeypair(ctx, req.AccessKey)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "keypair", ID: req.AccessKey}
		}
		return nil, err
	}
	policy, err := r.store.GetResourcePolicy(ctx, keypair.ResourcePolicy)
	if err != nil {
		return nil, fmt.Errorf("load resource policy %s: %w", keypair.ResourcePolicy, err)
	}

	img, err := r.resolveImage(ctx, req, keypair)
	if err != nil {
		return nil, err
	}

	// Reuse check: a live session with the same (access key, name) either
	// satisfies the request or blocks it.
	if existing, err := r.store.FindActiveSessionByName(ctx, req.AccessKey, req.Name); err == nil {
		if req.Reuse && existing.MainImage() == img.Canonical {
			return &CreateSessionResult{
				SessionID:  existing.ID,
				CreationID: existing.CreationID,
				Status:     string(existing.Status),
			}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyExists, req.Name)
	} else if !errors.Is(err, store.ErrNoRows) {
		return nil, err
	}

	if err := validateBatchOptions(req); err != nil {
		return nil, err
	}
	if req.Priority < r.cfg.PriorityMin || req.Priority > r.cfg.PriorityMax {
		return nil, &ValidationError{
			Field: "priority",
			Msg: fmt.Sprintf("must be between %d and %d",
				r.cfg.PriorityMin, r.cfg.PriorityMax),
		}
	}
	if req.ClusterSize > policy.MaxContainersPerSession {
		return nil, &QuotaError{Msg: fmt.Sprintf(
			"You cannot create session with more than %d containers",
			policy.MaxContainersPerSession)}
	}

	sess, err := r.enqueueSession(ctx, req, keypair, img)
	if err != nil {
		return nil, err
	}

	if err := r.producer.Produce(ctx, events.SessionEnqueued{
		SessionID:  sess.ID,
		CreationID: sess.CreationID,
	}, events.SourceManager); err != nil {
		r.log.Error("Failed to emit session_enqueued",
			"session_id", sess.ID, "error", err)
	}
	r.webhook.Notify(ctx, sess.CallbackURL, "enqueued", sess.ID)

	if req.EnqueueOnly {
		return &CreateSessionResult{
			SessionID:  sess.ID,
			CreationID: sess.CreationID,
			Status:     string(types.SessionPending),
		}, nil
	}
	return r.waitForSession(ctx, sess, req.MaxWaitSeconds)
}

// waitForSession blocks on the waiter registry until the session starts,
// cancels, or the wait budget runs out.
func (r *Registry) waitForSession(ctx context.Context, sess *models.Session, maxWaitSeconds int) (*CreateSessionResult, error) {
	maxWait := r.cfg.DefaultMaxWait
	if maxWaitSeconds > 0 {
		maxWait = time.Duration(maxWaitSeconds) * time.Second
	}
	ch, cancel := r.waiters.Register(sess.CreationID)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return &CreateSessionResult{
			SessionID:  sess.ID,
			CreationID: sess.CreationID,
			Status:     "TIMEOUT",
		}, nil
	case res := <-ch:
		out := &CreateSessionResult{
			SessionID:  sess.ID,
			CreationID: sess.CreationID,
			Status:     res.Status,
		}
		if res.Status == string(types.SessionRunning) {
			if main, err := r.store.GetMainKernel(ctx, sess.ID); err == nil {
				out.ServicePorts = main.ServicePorts
			}
		}
		return out, nil
	}
}

func (r *Registry) validateSlotNames(ctx context.Context, resources map[string]string) error {
	known, err := r.knownSlotNames(ctx)
	if err != nil {
		return err
	}
	for name := range resources {
		if _, ok := known[name]; !ok {
			return &ValidationError{
				Field: "resources",
				Msg:   fmt.Sprintf("unknown slot name %q", name),
			}
		}
	}
	return nil
}

// validateMountMap enforces unique folders, unique absolute aliases, and
// keeps aliases away from reserved system paths and the work directory root.
func validateMountMap(mounts []models.VFolderMount, mountMap map[string]string) error {
	folders := map[string]struct{}{}
	for _, m := range mounts {
		if _, dup := folders[m.Name]; dup {
			return &ValidationError{
				Field: "mounts",
				Msg:   fmt.Sprintf("duplicate mount of folder %q", m.Name),
			}
		}
		folders[m.Name] = struct{}{}
	}

	seenAliases := map[string]struct{}{}
	for folder, alias := range mountMap {
		if _, ok := folders[folder]; !ok && len(mounts) > 0 {
			return &ValidationError{
				Field: "mount_map",
				Msg:   fmt.Sprintf("folder %q is not mounted", folder),
			}
		}
		if alias == "" || !strings.HasPrefix(alias, "/") {
			return &ValidationError{
				Field: "mount_map",
				Msg:   fmt.Sprintf("alias %q must be an absolute path", alias),
			}
		}
		clean := path.Clean(alias)
		if clean == workDir || clean == "/" {
			return &ValidationError{
				Field: "mount_map",
				Msg:   fmt.Sprintf("alias %q overlaps the work directory", alias),
			}
		}
		for _, reserved := range reservedMountPaths {
			if clean == reserved || strings.HasPrefix(clean, reserved+"/") {
				return &ValidationError{
					Field: "mount_map",
					Msg:   fmt.Sprintf("alias %q targets a reserved path", alias),
				}
			}
		}
		if _, dup := seenAliases[clean]; dup {
			return &ValidationError{
				Field: "mount_map",
				Msg:   fmt.Sprintf("duplicate alias %q", alias),
			}
		}
		seenAliases[clean] = struct{}{}
	}
	return nil
}

func validateBatchOptions(req CreateSessionRequest) error {
	if req.SessionType == types.SessionBatch {
		if req.StartupCommand == "" {
			return &ValidationError{
				Field: "startup_command",
				Msg:   "batch sessions require a startup command",
			}
		}
		return nil
	}
	if req.StartsAt != nil {
		return &ValidationError{
			Field: "starts_at",
			Msg:   "only batch sessions may reserve a start time",
		}
	}
	if req.BatchTimeout != nil {
		return &ValidationError{
			Field: "batch_timeout",
			Msg:   "only batch sessions may set a batch timeout",
		}
	}
	return nil
}

// resolveImage looks up the canonical image, enforces customized-image
// ownership, and checks the domain's registry allowlist.
func (r *Registry) resolveImage(ctx context.Context, req CreateSessionRequest, keypair *models.Keypair) (*models.Image, error) {
	img, err := r.store.GetImage(ctx, req.Image, req.Architecture)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "image", ID: req.Image}
		}
		return nil, err
	}
	if owner := img.Owner(); owner != "" && owner != keypair.UserUUID {
		// Customized images are private; pretend they do not exist for
		// other users.
		return nil, &NotFoundError{Entity: "image", ID: req.Image}
	}
	if img.Registry != "" {
		domain, err := r.store.GetDomain(ctx, req.Domain)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return nil, &NotFoundError{Entity: "domain", ID: req.Domain}
			}
			return nil, err
		}
		if len(domain.AllowedRegistries) > 0 && !contains(domain.AllowedRegistries, img.Registry) {
			return nil, &ValidationError{
				Field: "image",
				Msg:   fmt.Sprintf("registry %q is not allowed in domain %q", img.Registry, req.Domain),
			}
		}
	}
	return img, nil
}

// enqueueSession persists the PENDING session and its kernels in one
// transaction, including the scaling-group choice and per-kernel slot
// validation against the image bounds.
func (r *Registry) enqueueSession(ctx context.Context, req CreateSessionRequest, keypair *models.Keypair, img *models.Image) (*models.Session, error) {
	sgroup, err := r.resolveScalingGroup(ctx, req)
	if err != nil {
		return nil, err
	}

	perKernel, err := r.buildKernelSlots(req, img)
	if err != nil {
		return nil, err
	}
	requested := types.ResourceSlot{}
	for i := 0; i < req.ClusterSize; i++ {
		requested = requested.Add(perKernel)
	}

	now := r.now().UTC()
	history := map[string]string{
		types.StatusPending: now.Format(time.RFC3339Nano),
	}

	sess := &models.Session{
		ID:              uuid.NewString(),
		CreationID:      uuid.NewString(),
		Name:            req.Name,
		AccessKey:       req.AccessKey,
		Domain:          req.Domain,
		Project:         req.Project,
		ScalingGroup:    sgroup,
		SessionType:     req.SessionType,
		ClusterMode:     req.ClusterMode,
		ClusterSize:     req.ClusterSize,
		Priority:        req.Priority,
		Status:          types.SessionPending,
		StatusData:      map[string]any{},
		StatusHistory:   history,
		Result:          types.ResultUndefined,
		Images:          []string{img.Canonical},
		VFolderMounts:   applyMountMap(req.Mounts, req.MountMap),
		Environ:         req.Environ,
		RequestedSlots:  requested,
		OccupiedSlots:   types.ResourceSlot{},
		UserUUID:        keypair.UserUUID,
		UserEmail:       keypair.UserEmail,
		UserName:        keypair.UserName,
		ResourcePolicy:  keypair.ResourcePolicy,
		StartupCommand:  req.StartupCommand,
		BootstrapScript: req.BootstrapScript,
		Tag:             req.Tag,
		StartsAt:        req.StartsAt,
		BatchTimeout:    req.BatchTimeout,
		CallbackURL:     req.CallbackURL,
		NetworkType:     types.NetworkVolatile,
	}

	kernels := make([]*models.Kernel, req.ClusterSize)
	for i := 0; i < req.ClusterSize; i++ {
		role := types.RoleSub
		if i == 0 {
			role = types.RoleMain
		}
		k := &models.Kernel{
			ID:              uuid.NewString(),
			SessionID:       sess.ID,
			ClusterRole:     role,
			ClusterIdx:      i + 1,
			LocalRank:       i,
			Image:           img.Canonical,
			Architecture:    img.Architecture,
			Registry:        img.Registry,
			RequestedSlots:  perKernel,
			OccupiedSlots:   types.ResourceSlot{},
			ResourceOpts:    req.ResourceOpts,
			Status:          types.KernelPending,
			StatusData:      map[string]any{},
			StatusHistory:   map[string]string{types.StatusPending: now.Format(time.RFC3339Nano)},
			PreopenPorts:    req.PreopenPorts,
			StartupCommand:  req.StartupCommand,
			BootstrapScript: req.BootstrapScript,
		}
		k.ClusterHostname = k.DefaultHostname()
		kernels[i] = k
	}

	err = r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		if len(req.Dependencies) > 0 {
			for _, dep := range req.Dependencies {
				depSess, err := q.GetSession(ctx, dep)
				if err != nil {
					if errors.Is(err, store.ErrNoRows) {
						return &NotFoundError{Entity: "dependency session", ID: dep}
					}
					return err
				}
				if depSess.AccessKey != req.AccessKey {
					return &ValidationError{
						Field: "dependencies",
						Msg:   fmt.Sprintf("session %s belongs to another owner", dep),
					}
				}
			}
		}
		if err := q.InsertSession(ctx, sess); err != nil {
			return err
		}
		if err := q.InsertKernels(ctx, kernels); err != nil {
			return err
		}
		return q.InsertSessionDependencies(ctx, sess.ID, req.Dependencies)
	})
	if err != nil {
		if constraint, ok := store.ForeignKeyViolation(err); ok {
			return nil, &ValidationError{
				Field: "session",
				Msg:   humanizeConstraint(constraint),
			}
		}
		return nil, err
	}

	if req.RouteID != "" {
		if err := r.store.BindRouteSession(ctx, req.RouteID, sess.ID); err != nil {
			r.log.Error("Failed to bind route to session",
				"route_id", req.RouteID, "session_id", sess.ID, "error", err)
		}
	}

	r.log.Info("Session enqueued", "session_id", sess.ID, "name", sess.Name,
		"access_key", sess.AccessKey, "cluster_size", sess.ClusterSize,
		"requested", requested.String())
	return sess, nil
}

// resolveScalingGroup picks the target group: the requested one if allowed,
// else the first allowed group accepting the session type.
func (r *Registry) resolveScalingGroup(ctx context.Context, req CreateSessionRequest) (string, error) {
	allowed, err := r.store.ListAllowedScalingGroups(ctx, req.Domain, req.Project, req.AccessKey)
	if err != nil {
		return "", err
	}
	if req.ScalingGroup != "" {
		if !contains(allowed, req.ScalingGroup) {
			return "", &NotFoundError{Entity: "scaling group", ID: req.ScalingGroup}
		}
		g, err := r.store.GetScalingGroup(ctx, req.ScalingGroup)
		if err != nil {
			return "", err
		}
		if !g.AllowsSessionType(req.SessionType) {
			return "", &ValidationError{
				Field: "scaling_group",
				Msg: fmt.Sprintf("%q does not allow %s sessions",
					req.ScalingGroup, req.SessionType),
			}
		}
		return req.ScalingGroup, nil
	}
	for _, name := range allowed {
		g, err := r.store.GetScalingGroup(ctx, name)
		if err != nil {
			continue
		}
		if g.AllowsSessionType(req.SessionType) {
			return name, nil
		}
	}
	return "", &NotFoundError{Entity: "scaling group", ID: string(req.SessionType)}
}

// buildKernelSlots derives one kernel's requested slots from the raw
// resources, clamped against the image bounds, with shared memory defaulted
// and required to stay under the memory slot.
func (r *Registry) buildKernelSlots(req CreateSessionRequest, img *models.Image) (types.ResourceSlot, error) {
	slots, err := types.NewResourceSlot(req.Resources)
	if err != nil {
		return nil, &ValidationError{Field: "resources", Msg: err.Error()}
	}
	// Image minimums fill unspecified slots and floor specified ones.
	for name, minV := range img.MinSlots {
		if slots.Get(name).LessThan(minV) {
			slots[name] = minV
		}
	}
	for name, maxV := range img.MaxSlots {
		if maxV.IsPositive() && slots.Get(name).GreaterThan(maxV) {
			return nil, &QuotaError{Msg: fmt.Sprintf(
				"Requested %s=%s exceeds the image maximum (%s)",
				name, slots.Get(name).String(), maxV.String())}
		}
	}

	shmem, err := r.sharedMemory(req)
	if err != nil {
		return nil, err
	}
	if shmem.GreaterThanOrEqual(slots.Get(types.SlotMem)) && slots.Get(types.SlotMem).IsPositive() {
		return nil, &ValidationError{
			Field: "resource_opts",
			Msg: fmt.Sprintf("shared memory (%s) must be smaller than the memory slot (%s)",
				types.FormatBinarySize(shmem), types.FormatBinarySize(slots.Get(types.SlotMem))),
		}
	}
	return slots, nil
}

func (r *Registry) sharedMemory(req CreateSessionRequest) (decimal.Decimal, error) {
	raw := r.cfg.DefaultSharedMemory
	if v, ok := req.ResourceOpts["shmem"]; ok {
		s, isString := v.(string)
		if !isString {
			return decimal.Zero, &ValidationError{Field: "resource_opts", Msg: "shmem must be a size string"}
		}
		raw = s
	}
	shmem, err := types.ParseBinarySize(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "resource_opts", Msg: err.Error()}
	}
	return shmem, nil
}

// applyMountMap rewrites mount paths according to the validated alias map.
func applyMountMap(mounts []models.VFolderMount, mountMap map[string]string) []models.VFolderMount {
	out := make([]models.VFolderMount, len(mounts))
	copy(out, mounts)
	for i, m := range out {
		if alias, ok := mountMap[m.Name]; ok {
			out[i].Alias = path.Clean(alias)
		} else if m.MountPath == "" {
			out[i].MountPath = path.Join(workDir, m.Name)
		}
	}
	return out
}

// humanizeConstraint converts FK constraint names into user-facing messages.
func humanizeConstraint(constraint string) string {
	switch {
	case strings.Contains(constraint, "scaling_group"):
		return "No such scaling group"
	case strings.Contains(constraint, "domain"):
		return "No such domain"
	case strings.Contains(constraint, "project"):
		return "No such project"
	case strings.Contains(constraint, "access_key"), strings.Contains(constraint, "keypair"):
		return "No such access key"
	case strings.Contains(constraint, "agent"):
		return "No such agent"
	default:
		return "Referenced entity does not exist (" + constraint + ")"
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
