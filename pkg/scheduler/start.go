package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// startSession launches every kernel of a PREPARED session: mark CREATING,
// set up the per-session network, fan out create_kernels per agent, persist
// creation results, and settle the requested-vs-actual occupancy delta.
func (d *Dispatcher) startSession(ctx context.Context, sess *models.Session) error {
	kernels, err := d.store.ListKernelsBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	images, err := d.resolveImages(ctx, kernels)
	if err != nil {
		return err
	}

	networkName, err := d.setupNetwork(ctx, sess, kernels)
	if err != nil {
		return err
	}

	now := d.now()
	err = d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		locked, err := q.GetSessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.SessionPrepared {
			return nil
		}
		for _, k := range kernels {
			lifecycle.SetKernelStatus(k, types.KernelCreating, types.ReasonUnknown, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		lifecycle.SetSessionStatus(locked, types.SessionCreating, types.ReasonUnknown, now)
		return q.UpdateSessionStatus(ctx, locked)
	})
	if err != nil {
		return err
	}

	sshKeypair, err := GenerateClusterSSHKeypair()
	if err != nil {
		return err
	}
	clusterInfo := buildClusterInfo(sess, kernels, networkName, sshKeypair)

	byAgent := map[string][]*models.Kernel{}
	for _, k := range kernels {
		byAgent[k.AgentID] = append(byAgent[k.AgentID], k)
	}

	var (
		mu      sync.Mutex
		results []agent.KernelCreationResult
		fanErrs []error
		wg      sync.WaitGroup
	)
	for agentID, group := range byAgent {
		wg.Add(1)
		go func(agentID string, group []*models.Kernel) {
			defer wg.Done()
			ids := make([]string, len(group))
			configs := make([]map[string]any, len(group))
			for i, k := range group {
				ids[i] = k.ID
				configs[i] = buildKernelConfig(sess, k, kernels, images[imageKey(k)])
			}
			res, err := d.rpc.CreateKernels(ctx, agentID, sess.ID, ids, configs, clusterInfo)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fanErrs = append(fanErrs, err)
				return
			}
			results = append(results, res...)
		}(agentID, group)
	}
	wg.Wait()

	if len(fanErrs) > 0 {
		var startErr error
		if len(fanErrs) == 1 {
			startErr = fanErrs[0]
		} else {
			startErr = &agent.MultiError{Errors: fanErrs}
		}
		return d.failStart(ctx, sess, kernels, startErr)
	}

	if err := d.persistStarted(ctx, sess, kernels, results); err != nil {
		return err
	}
	if err := d.settle(ctx, kernels, results); err != nil {
		return err
	}
	return d.lc.UpdateSessionsFromKernels(ctx)
}

// setupNetwork provisions the inter-kernel network for multi-container
// sessions and records it on the session row.
func (d *Dispatcher) setupNetwork(ctx context.Context, sess *models.Session, kernels []*models.Kernel) (string, error) {
	if sess.ClusterSize <= 1 {
		return "", nil
	}
	if sess.NetworkID != "" {
		return sess.NetworkID, nil
	}
	var name string
	if sess.ClusterMode == types.SingleNode {
		name = "bai-singlenode-" + sess.ID
		if err := d.rpc.CreateLocalNetwork(ctx, kernels[0].AgentID, name); err != nil {
			return "", err
		}
	} else {
		name = "bai-overlay-" + sess.ID
	}
	if err := d.store.SetSessionNetwork(ctx, sess.ID, types.NetworkVolatile, name); err != nil {
		return "", err
	}
	sess.NetworkID = name
	return name, nil
}

func buildClusterInfo(sess *models.Session, kernels []*models.Kernel, networkName string, keypair *ClusterSSHKeypair) map[string]any {
	return map[string]any{
		"mode":         string(sess.ClusterMode),
		"size":         sess.ClusterSize,
		"replicas":     map[string]int{types.RoleMain: 1, types.RoleSub: len(kernels) - 1},
		"network_name": networkName,
		"ssh_keypair": map[string]string{
			"private_key": keypair.PrivateKey,
			"public_key":  keypair.PublicKey,
		},
	}
}

func imageKey(k *models.Kernel) string {
	return k.Image + "/" + k.Architecture
}

// resolveImages loads each distinct kernel image once. Service-port labels
// feed the per-kernel environment; an image deregistered since enqueue maps
// to nil and the kernel launches without them.
func (d *Dispatcher) resolveImages(ctx context.Context, kernels []*models.Kernel) (map[string]*models.Image, error) {
	out := map[string]*models.Image{}
	for _, k := range kernels {
		key := imageKey(k)
		if _, ok := out[key]; ok {
			continue
		}
		img, err := d.store.GetImage(ctx, k.Image, k.Architecture)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				out[key] = nil
				continue
			}
			return nil, err
		}
		out[key] = img
	}
	return out, nil
}

// buildKernelConfig assembles one kernel's creation config, including the
// BACKENDAI_* environment every container receives.
func buildKernelConfig(sess *models.Session, k *models.Kernel, all []*models.Kernel, img *models.Image) map[string]any {
	hosts := make([]string, len(all))
	for i, kk := range all {
		hosts[i] = kk.ClusterHostname
	}
	sort.Strings(hosts)

	environ := map[string]string{}
	for key, v := range sess.Environ {
		environ[key] = v
	}
	environ["BACKENDAI_SESSION_ID"] = sess.ID
	environ["BACKENDAI_SESSION_NAME"] = sess.Name
	environ["BACKENDAI_KERNEL_ID"] = k.ID
	environ["BACKENDAI_KERNEL_IMAGE"] = k.Image
	environ["BACKENDAI_CLUSTER_ROLE"] = k.ClusterRole
	environ["BACKENDAI_CLUSTER_IDX"] = strconv.Itoa(k.ClusterIdx)
	environ["BACKENDAI_CLUSTER_LOCAL_RANK"] = strconv.Itoa(k.LocalRank)
	environ["BACKENDAI_CLUSTER_HOST"] = k.ClusterHostname
	environ["BACKENDAI_CLUSTER_SIZE"] = strconv.Itoa(sess.ClusterSize)
	environ["BACKENDAI_CLUSTER_REPLICAS"] = fmt.Sprintf("%s:1,%s:%d",
		types.RoleMain, types.RoleSub, len(all)-1)
	environ["BACKENDAI_CLUSTER_HOSTS"] = strings.Join(hosts, ",")
	environ["BACKENDAI_USER_UUID"] = sess.UserUUID
	environ["BACKENDAI_USER_EMAIL"] = sess.UserEmail
	environ["BACKENDAI_USER_NAME"] = sess.UserName
	environ["BACKENDAI_ACCESS_KEY"] = sess.AccessKey
	if img != nil {
		if ports := img.Labels[models.ImageLabelServicePorts]; ports != "" {
			environ["BACKENDAI_SERVICE_PORTS"] = ports
		}
	}
	if len(k.PreopenPorts) > 0 {
		ports := make([]string, len(k.PreopenPorts))
		for i, p := range k.PreopenPorts {
			ports[i] = strconv.Itoa(p)
		}
		environ["BACKENDAI_PREOPEN_PORTS"] = strings.Join(ports, ",")
	}

	slots := map[string]string{}
	for name, v := range k.RequestedSlots {
		slots[name] = v.String()
	}

	mounts := make([]map[string]any, len(sess.VFolderMounts))
	for i, m := range sess.VFolderMounts {
		mounts[i] = map[string]any{
			"vfolder_id": m.VFolderID,
			"name":       m.Name,
			"host":       m.Host,
			"mount_path": m.MountPath,
			"alias":      m.Alias,
			"read_only":  m.ReadOnly,
		}
	}

	imageLabels := map[string]string{}
	if img != nil {
		imageLabels = img.Labels
	}

	return map[string]any{
		"kernel_id":  k.ID,
		"session_id": sess.ID,
		"image": map[string]any{
			"canonical":    k.Image,
			"architecture": k.Architecture,
			"registry":     k.Registry,
			"labels":       imageLabels,
		},
		"cluster_role":     k.ClusterRole,
		"cluster_idx":      k.ClusterIdx,
		"local_rank":       k.LocalRank,
		"cluster_hostname": k.ClusterHostname,
		"resource_slots":   slots,
		"resource_opts":    k.ResourceOpts,
		"environ":          environ,
		"mounts":           mounts,
		"preopen_ports":    k.PreopenPorts,
		"startup_command":  k.StartupCommand,
		"bootstrap_script": k.BootstrapScript,
		"session_type":     string(sess.SessionType),
	}
}

// persistStarted writes each kernel's creation result and moves it to
// RUNNING; the aggregation drain then emits SessionStarted.
func (d *Dispatcher) persistStarted(ctx context.Context, sess *models.Session, kernels []*models.Kernel, results []agent.KernelCreationResult) error {
	byID := map[string]*models.Kernel{}
	for _, k := range kernels {
		byID[k.ID] = k
	}
	now := d.now()
	err := d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		for _, res := range results {
			k, ok := byID[res.KernelID]
			if !ok {
				d.log.Warn("Creation result for unknown kernel",
					"session_id", sess.ID, "kernel_id", res.KernelID)
				continue
			}
			info := creationInfoFromResult(res)
			if err := q.UpdateKernelCreation(ctx, info); err != nil {
				return err
			}
			k.OccupiedSlots = info.OccupiedSlots
			lifecycle.SetKernelStatus(k, types.KernelRunning, types.ReasonUnknown, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		occupied := types.ResourceSlot{}
		for _, k := range kernels {
			occupied = occupied.Add(k.OccupiedSlots)
		}
		return q.SetSessionOccupied(ctx, sess.ID, occupied)
	})
	if err != nil {
		return err
	}
	return d.lc.Set().Register(ctx, sess.ID)
}

// failStart tears down a session whose kernel creation failed: every kernel
// to TERMINATED with reason failed-to-start, the error detail recorded in
// status_data, and the reserved agent occupancy released.
func (d *Dispatcher) failStart(ctx context.Context, sess *models.Session, kernels []*models.Kernel, startErr error) error {
	d.log.Error("Kernel creation failed",
		"session_id", sess.ID, "error", startErr)
	now := d.now()
	err := d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		locked, err := q.GetSessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		released := map[string]types.ResourceSlot{}
		for _, k := range kernels {
			if k.AgentID != "" {
				released[k.AgentID] = released[k.AgentID].Add(k.RequestedSlots)
			}
			lifecycle.SetKernelStatus(k, types.KernelTerminated, types.ReasonFailedToStart, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		for agentID, delta := range released {
			row, err := q.GetAgentForUpdate(ctx, agentID)
			if err != nil {
				return err
			}
			if err := q.SetAgentOccupied(ctx, agentID, row.OccupiedSlots.ClampedSub(delta)); err != nil {
				return err
			}
		}
		if locked.StatusData == nil {
			locked.StatusData = map[string]any{}
		}
		for key, v := range agent.ErrorStatusData(startErr) {
			locked.StatusData[key] = v
		}
		lifecycle.SetSessionStatus(locked, types.SessionTerminated, types.ReasonFailedToStart, now)
		locked.Result = types.ResultFailure
		return q.UpdateSessionStatus(ctx, locked)
	})
	if err != nil {
		return err
	}
	return d.producer.Produce(ctx, events.SessionTerminated{
		SessionID: sess.ID,
		Reason:    types.ReasonFailedToStart,
	}, events.SourceManager)
}

// settle reconciles requested vs actually allocated slots per agent in one
// transaction each.
func (d *Dispatcher) settle(ctx context.Context, kernels []*models.Kernel, results []agent.KernelCreationResult) error {
	actualByKernel := map[string]types.ResourceSlot{}
	for _, res := range results {
		actualByKernel[res.KernelID] = creationInfoFromResult(res).OccupiedSlots
	}

	deltas := map[string]types.ResourceSlot{}
	for _, k := range kernels {
		actual, ok := actualByKernel[k.ID]
		if !ok {
			continue
		}
		delta := actual.Sub(k.RequestedSlots)
		if !delta.IsZero() {
			deltas[k.AgentID] = deltas[k.AgentID].Add(delta)
		}
	}
	for agentID, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		err := d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
			return q.AddAgentOccupied(ctx, agentID, delta)
		})
		if err != nil {
			return fmt.Errorf("settle occupancy for agent %s: %w", agentID, err)
		}
	}
	return nil
}

// creationInfoFromResult converts the loosely typed RPC result into the
// persisted creation info.
func creationInfoFromResult(res agent.KernelCreationResult) *models.KernelCreationInfo {
	// resource_spec nests per-device allocations under each slot; only the
	// per-slot sums matter to occupancy accounting.
	occupied := types.ResourceSlot{}
	if alloc, ok := res.ResourceSpec["allocations"].(map[string]any); ok {
		occupied = types.ResourceSlotFromAllocations(alloc)
	}
	ports := make([]models.ServicePort, 0, len(res.ServicePorts))
	for _, raw := range res.ServicePorts {
		if m, ok := raw.(map[string]any); ok {
			ports = append(ports, models.ServicePort{
				Name:           asString(m["name"]),
				Protocol:       asString(m["protocol"]),
				ContainerPorts: asIntSlice(m["container_ports"]),
				HostPorts:      asIntSlice(m["host_ports"]),
			})
		}
	}
	return &models.KernelCreationInfo{
		KernelID:      res.KernelID,
		ContainerID:   res.ContainerID,
		KernelHost:    res.KernelHost,
		ReplInPort:    res.ReplInPort,
		ReplOutPort:   res.ReplOutPort,
		StdinPort:     res.StdinPort,
		StdoutPort:    res.StdoutPort,
		ServicePorts:  ports,
		OccupiedSlots: occupied,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asIntSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch t := item.(type) {
		case int64:
			out = append(out, int(t))
		case uint64:
			out = append(out, int(t))
		case int:
			out = append(out, t)
		case float64:
			out = append(out, int(t))
		}
	}
	return out
}
