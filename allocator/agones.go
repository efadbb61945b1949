package allocator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"agones-join-coordinator/config"
	"agones-join-coordinator/join"
	"agones-join-coordinator/metrics"
	"agones-join-coordinator/tickets"

	agonesv1 "agones.dev/agones/pkg/apis/agones/v1"
	allocationv1 "agones.dev/agones/pkg/apis/allocation/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	fleetLabel = "agones.dev/fleet"
	placeLabel = "join.place-id"
)

// Agones places players on game servers through GameServerAllocations.
// A server already allocated to the place is preferred so players of one place
// share a server; otherwise a Ready server from the place's fleet is claimed
// and labelled with the place.
type Agones struct {
	namespace string
	fleets    *config.PlaceFleets
	now       func() time.Time

	mu        sync.Mutex
	client    agonesclientset.Interface
	newClient func() (agonesclientset.Interface, error)
}

func NewAgones(ns string, fleets *config.PlaceFleets) *Agones {
	if ns == "" {
		ns = "default"
	}
	return &Agones{namespace: ns, fleets: fleets, now: time.Now, newClient: newAgonesClient}
}

// WithClient replaces the lazily built clientset.
func (a *Agones) WithClient(cli agonesclientset.Interface) *Agones {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = cli
	return a
}

// clientset builds the Agones client on first use. A failed build is retried
// on the next call.
func (a *Agones) clientset() (agonesclientset.Interface, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	cli, err := a.newClient()
	if err != nil {
		return nil, err
	}
	a.client = cli
	log.Info().Msg("allocator: Agones client initialized")
	return cli, nil
}

func (a *Agones) GetServerForPlace(ctx context.Context, placeID int64) (*join.Allocation, error) {
	start := time.Now()
	fleet, ok := a.fleets.FleetFor(placeID)
	if !ok {
		a.record("failure", start)
		return nil, fmt.Errorf("no fleet for place %d: %w", placeID, join.ErrNoCapacity)
	}

	cli, err := a.clientset()
	if err != nil {
		a.record("failure", start)
		log.Error().Err(err).Msg("allocator: failed to initialize Agones client")
		return nil, fmt.Errorf("agones client init: %w", err)
	}

	created, err := cli.AllocationV1().GameServerAllocations(a.namespace).Create(ctx, allocationFor(fleet, placeID), metav1.CreateOptions{})
	if err != nil {
		a.record("failure", start)
		log.Error().Err(err).Str("namespace", a.namespace).Str("fleet", fleet).Int64("placeId", placeID).Msg("allocator: GameServerAllocation create failed")
		return nil, fmt.Errorf("create allocation in fleet %s: %w", fleet, err)
	}

	switch created.Status.State {
	case allocationv1.GameServerAllocationAllocated:
	case allocationv1.GameServerAllocationUnAllocated, allocationv1.GameServerAllocationContention:
		a.record("waiting", start)
		log.Debug().Str("state", string(created.Status.State)).Str("fleet", fleet).Int64("placeId", placeID).Msg("allocator: no server ready yet")
		return &join.Allocation{Status: join.StatusWaiting}, nil
	default:
		a.record("failure", start)
		return nil, fmt.Errorf("allocation in fleet %s has state %q", fleet, created.Status.State)
	}

	addr := created.Status.Address
	var port int32
	if len(created.Status.Ports) > 0 {
		port = created.Status.Ports[0].Port
	}
	name := created.Status.GameServerName
	if addr == "" || port == 0 || name == "" {
		a.record("failure", start)
		log.Error().Str("address", addr).Int32("port", port).Str("gameServerName", name).Msg("allocator: allocated GameServer missing address/port")
		return nil, fmt.Errorf("allocated GameServer %q missing address/port", name)
	}

	a.record("allocated", start)
	endpoint := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	log.Info().Str("gameServerName", name).Str("address", endpoint).Int64("placeId", placeID).Dur("duration", time.Since(start)).Msg("allocator: allocation successful")
	return &join.Allocation{Status: join.StatusJoining, ServerID: name, Address: endpoint}, nil
}

// ShutdownServer asks Agones to shut the game server down, honouring its
// termination grace period. A server that is already gone is not an error.
func (a *Agones) ShutdownServer(ctx context.Context, serverID string) error {
	return a.deleteGameServer(ctx, serverID, metav1.DeleteOptions{})
}

// DeleteServer removes the game server immediately.
func (a *Agones) DeleteServer(ctx context.Context, serverID string) error {
	var now int64
	return a.deleteGameServer(ctx, serverID, metav1.DeleteOptions{GracePeriodSeconds: &now})
}

func (a *Agones) deleteGameServer(ctx context.Context, serverID string, opts metav1.DeleteOptions) error {
	cli, err := a.clientset()
	if err != nil {
		return fmt.Errorf("agones client init: %w", err)
	}
	err = cli.AgonesV1().GameServers(a.namespace).Delete(ctx, serverID, opts)
	if apierrors.IsNotFound(err) {
		log.Info().Str("gameServerName", serverID).Msg("allocator: GameServer already gone")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("namespace", a.namespace).Str("gameServerName", serverID).Msg("allocator: GameServer delete failed")
		return fmt.Errorf("delete GameServer %s: %w", serverID, err)
	}
	log.Info().Str("gameServerName", serverID).Bool("immediate", opts.GracePeriodSeconds != nil).Msg("allocator: GameServer deleted")
	return nil
}

func (a *Agones) CreateTicketSeed(userID, placeID int64, ip string) tickets.JoinTicket {
	return tickets.JoinTicket{UserID: userID, PlaceID: placeID, IssuerIP: ip, IssuedAt: a.now()}
}

func (a *Agones) record(result string, start time.Time) {
	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	metrics.AllocationsTotal.WithLabelValues(result).Inc()
}

func allocationFor(fleet string, placeID int64) *allocationv1.GameServerAllocation {
	place := strconv.FormatInt(placeID, 10)
	allocated := agonesv1.GameServerStateAllocated
	ready := agonesv1.GameServerStateReady
	return &allocationv1.GameServerAllocation{
		TypeMeta: metav1.TypeMeta{
			APIVersion: allocationv1.SchemeGroupVersion.String(),
			Kind:       "GameServerAllocation",
		},
		Spec: allocationv1.GameServerAllocationSpec{
			Selectors: []allocationv1.GameServerSelector{
				{
					LabelSelector: metav1.LabelSelector{
						MatchLabels: map[string]string{fleetLabel: fleet, placeLabel: place},
					},
					GameServerState: &allocated,
				},
				{
					LabelSelector: metav1.LabelSelector{
						MatchLabels: map[string]string{fleetLabel: fleet},
					},
					GameServerState: &ready,
				},
			},
			MetaPatch: allocationv1.MetaPatch{
				Labels: map[string]string{placeLabel: place},
			},
		},
	}
}

// newAgonesClient returns an Agones typed clientset using in-cluster config or local kubeconfig.
func newAgonesClient() (agonesclientset.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}
