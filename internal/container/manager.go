// Package container runs agents as Docker containers.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const labelPrefix = "hive"

// Manager implements swarm.AgentRuntime on top of the Docker API.
type Manager struct {
	docker      *client.Client
	cfg         config.RuntimeConfig
	natsURL     string
	mu          sync.RWMutex
	active      map[string]*ContainerInfo // agentID → container
	networkName string                    // resolved network name
}

type ContainerInfo struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	StartedAt time.Time `json:"started_at"`
}

func NewManager(cfg config.RuntimeConfig, natsURL string) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker:  docker,
		cfg:     cfg,
		natsURL: natsURL,
		active:  make(map[string]*ContainerInfo),
	}, nil
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" || m.cfg.Network == "" {
		return nil
	}

	_, err := m.docker.NetworkInspect(ctx, m.cfg.Network, network.InspectOptions{})
	if err == nil {
		m.networkName = m.cfg.Network
		return nil
	}

	_, err = m.docker.NetworkCreate(ctx, m.cfg.Network, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", m.cfg.Network, err)
	}
	m.networkName = m.cfg.Network
	slog.Info("created docker network", "network", m.cfg.Network)
	return nil
}

func (m *Manager) Start(ctx context.Context, a swarm.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[a.ID]; ok {
		return fmt.Errorf("agent %s already has a container", a.ID)
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return err
	}

	name := containerName(a.ID)

	// Remove any stale container with the same name
	_ = m.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	binds, err := buildMounts(m.cfg, a.ID)
	if err != nil {
		return err
	}

	containerCfg := &dockercontainer.Config{
		Image: a.Spec.Image,
		Env:   buildEnv(a, m.natsURL, m.cfg),
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   a.ID,
			labelPrefix + ".role":    a.Spec.Role,
		},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:     binds,
		Resources: resources(a.Spec.Resources),
	}
	if m.networkName != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(m.networkName)
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = m.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}

	m.active[a.ID] = &ContainerInfo{
		ID:        resp.ID,
		AgentID:   a.ID,
		Name:      name,
		Image:     a.Spec.Image,
		StartedAt: time.Now(),
	}

	slog.Info("agent container started", "agent", a.ID, "container", shortID(resp.ID))
	return nil
}

// Stop asks the container to exit, waits up to timeout and then removes it
// forcibly.
func (m *Manager) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	m.mu.Lock()
	info, ok := m.active[agentID]
	delete(m.active, agentID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	secs := int(math.Ceil(timeout.Seconds()))
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &secs}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}

	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(info.ID), err)
	}

	slog.Info("agent container stopped", "agent", agentID)
	return nil
}

func (m *Manager) IsAlive(ctx context.Context, agentID string) bool {
	m.mu.RLock()
	info, ok := m.active[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	inspect, err := m.docker.ContainerInspect(ctx, info.ID)
	if err != nil {
		slog.Warn("inspect container failed", "agent", agentID, "error", err)
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) {
	m.mu.RLock()
	agentIDs := make([]string, 0, len(m.active))
	for id := range m.active {
		agentIDs = append(agentIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range agentIDs {
		if err := m.Stop(ctx, id, timeout); err != nil {
			slog.Warn("stop container failed", "agent", id, "error", err)
		}
	}
}

func (m *Manager) ListRunning() []ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ContainerInfo, 0, len(m.active))
	for _, info := range m.active {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// CleanupStale removes managed containers left over from a previous run.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (m *Manager) BuildImage(ctx context.Context, image string) error {
	return BuildAgentImage(ctx, m.docker, image, m.cfg.Dockerfile)
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func containerName(agentID string) string {
	return "hive-agent-" + agentID
}

func buildEnv(a swarm.Agent, natsURL string, cfg config.RuntimeConfig) []string {
	env := []string{
		"NATS_URL=" + natsURL,
		"AGENT_ID=" + a.ID,
		"AGENT_ROLE=" + a.Spec.Role,
		"AGENT_MAX_TASKS=" + strconv.Itoa(a.Spec.MaxConcurrentTasks),
	}
	if a.Spec.Specialization != "" {
		env = append(env, "AGENT_SPECIALIZATION="+a.Spec.Specialization)
	}
	if len(a.Spec.Capabilities) > 0 {
		env = append(env, "AGENT_CAPABILITIES="+strings.Join(a.Spec.Capabilities, ","))
	}
	if cfg.Heartbeat > 0 {
		env = append(env, "AGENT_HEARTBEAT="+cfg.Heartbeat.String())
	}
	if cfg.VoteCommand != "" {
		env = append(env, "AGENT_VOTE_COMMAND="+cfg.VoteCommand)
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return env
}

func resources(r swarm.Resources) dockercontainer.Resources {
	return dockercontainer.Resources{
		Memory:   r.MemoryMB * 1024 * 1024,
		NanoCPUs: int64(r.CPUs * 1e9),
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
