package join

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"agones-join-coordinator/metrics"
	"agones-join-coordinator/presence"
	"agones-join-coordinator/tickets"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog/log"
)

// Coordinator drives a join attempt through
// Requested -> Allocated -> TicketIssued -> Validated|Rejected.
//
// It holds no mutable state: every call is a function of its arguments, the
// collaborators and the codec's keys, so concurrent use needs no locking.
//
// Allocation follows the legacy polling contract. While the allocator reports
// Waiting no ticket is minted and the client is expected to ask again.
type Coordinator struct {
	codec     *tickets.Codec
	allocator Allocator
	presence  Presence
	users     UserDirectory
	opts      Options
}

func NewCoordinator(codec *tickets.Codec, allocator Allocator, p Presence, users UserDirectory, opts Options) *Coordinator {
	if opts.AllocationTimeout <= 0 {
		opts.AllocationTimeout = DefaultAllocationTimeout
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = DefaultValidationTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Coordinator{codec: codec, allocator: allocator, presence: p, users: users, opts: opts}
}

// AppearanceURL is the only character appearance URL a game server may present for a user.
func (c *Coordinator) AppearanceURL(userID int64) string {
	return c.opts.BaseURL + "/Asset/CharacterFetch.ashx?userId=" + strconv.FormatInt(userID, 10)
}

func (c *Coordinator) RequestJoin(ctx context.Context, userID, placeID int64, callerIP string) *PlacementResult {
	res := &PlacementResult{UserID: userID, PlaceID: placeID}
	log.Info().Int64("userId", userID).Int64("placeId", placeID).Str("ip", callerIP).Msg("coordinator: join requested")
	if userID <= 0 || placeID <= 0 {
		return c.failed(res, &AllocationError{Kind: NoCapacity, PlaceID: placeID, Err: fmt.Errorf("invalid user %d or place %d", userID, placeID)})
	}

	alloc, err := c.allocate(ctx, placeID)
	if err != nil {
		return c.failed(res, err)
	}
	if alloc.Status == StatusWaiting {
		return c.waiting(res)
	}

	seed := c.allocator.CreateTicketSeed(userID, placeID, callerIP)
	if seed.UserID != userID || seed.PlaceID != placeID {
		return c.failed(res, &AllocationError{Kind: Upstream, PlaceID: placeID, Err: fmt.Errorf("ticket seed for user %d place %d does not match request", seed.UserID, seed.PlaceID)})
	}
	ticket, err := c.codec.EncodeJoin(seed)
	if err != nil {
		return c.failed(res, &AllocationError{Kind: Upstream, PlaceID: placeID, Err: err})
	}
	return c.issued(res, alloc, ticket)
}

// IssueJoinTicket mints a join ticket without placing the user. The user id
// is always explicit; it backs the local debug launcher.
func (c *Coordinator) IssueJoinTicket(userID, placeID int64, callerIP string) (string, error) {
	if userID <= 0 || placeID <= 0 {
		return "", fmt.Errorf("invalid user %d or place %d", userID, placeID)
	}
	ticket, err := c.codec.EncodeJoin(c.allocator.CreateTicketSeed(userID, placeID, callerIP))
	if err != nil {
		return "", fmt.Errorf("issue join ticket: %w", err)
	}
	log.Info().Int64("userId", userID).Int64("placeId", placeID).Str("ip", callerIP).Msg("coordinator: debug join ticket issued")
	return ticket, nil
}

// RequestJoinWithTicket re-runs placement for a ticket the client already
// holds. The ticket must have been issued to the calling address; on success
// the same ticket is returned with a freshly minted job.
func (c *Coordinator) RequestJoinWithTicket(ctx context.Context, ticket, callerIP string) *PlacementResult {
	res := &PlacementResult{}
	jt, err := c.OpenJoinTicket(ticket, callerIP)
	if err != nil {
		return c.failed(res, err)
	}
	res.UserID, res.PlaceID = jt.UserID, jt.PlaceID
	log.Info().Int64("userId", jt.UserID).Int64("placeId", jt.PlaceID).Str("ip", callerIP).Msg("coordinator: join requested with existing ticket")

	alloc, err := c.allocate(ctx, jt.PlaceID)
	if err != nil {
		return c.failed(res, err)
	}
	if alloc.Status == StatusWaiting {
		return c.waiting(res)
	}
	return c.issued(res, alloc, ticket)
}

// OpenJoinTicket decodes a join ticket presented by a client and checks it
// was issued to callerIP. Tickets minted without an address are accepted from anywhere.
func (c *Coordinator) OpenJoinTicket(ticket, callerIP string) (*tickets.JoinTicket, error) {
	jt, err := c.codec.DecodeJoin(ticket)
	if err != nil {
		recordDecodeFailure("join", err)
		return nil, err
	}
	if jt.IssuerIP != "" && jt.IssuerIP != callerIP {
		return nil, reject(IssuerMismatch, "ticket issued to %s presented from %s", jt.IssuerIP, callerIP)
	}
	return jt, nil
}

func (c *Coordinator) DecodeServerAssignment(job string) (*ServerAssignment, error) {
	st, err := c.codec.DecodeServer(job)
	if err != nil {
		recordDecodeFailure("server", err)
		return nil, err
	}
	return &ServerAssignment{PlaceID: st.PlaceID, Domain: st.Domain, ServerID: st.ServerID}, nil
}

// ValidateTicket answers a game server's ticket check. It never fails loudly:
// every rejection becomes false and the reason is only logged.
func (c *Coordinator) ValidateTicket(ctx context.Context, req ValidateRequest) bool {
	return c.Verify(ctx, req).Accepted
}

// Verify is ValidateTicket with whatever the tickets revealed before the
// decision was made.
func (c *Coordinator) Verify(ctx context.Context, req ValidateRequest) Verdict {
	var v Verdict
	if err := c.check(ctx, req, &v); err != nil {
		v.Reason = rejectionReason(err)
		metrics.ValidationsTotal.WithLabelValues("rejected", v.Reason).Inc()
		log.Warn().Err(err).Str("reason", v.Reason).Msg("coordinator: ticket rejected")
		return v
	}
	v.Accepted = true
	metrics.ValidationsTotal.WithLabelValues("accepted", "none").Inc()
	return v
}

// CheckTicket returns nil when the ticket pair is acceptable, otherwise a
// *tickets.DecodeError or *ValidationFailure. It only reads.
func (c *Coordinator) CheckTicket(ctx context.Context, req ValidateRequest) error {
	return c.check(ctx, req, &Verdict{})
}

func (c *Coordinator) check(ctx context.Context, req ValidateRequest, v *Verdict) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ValidationTimeout)
	defer cancel()

	jt, err := c.codec.DecodeJoin(req.JoinTicket)
	if err != nil {
		recordDecodeFailure("join", err)
		return err
	}
	v.UserID, v.PlaceID = jt.UserID, jt.PlaceID
	st, err := c.codec.DecodeServer(req.ServerTicket)
	if err != nil {
		recordDecodeFailure("server", err)
		return err
	}
	v.PlaceID = st.PlaceID
	if st.PlaceID != jt.PlaceID {
		return reject(PlaceMismatch, "job for place %d, ticket for place %d", st.PlaceID, jt.PlaceID)
	}
	if req.ExpectedUserID != nil && *req.ExpectedUserID != jt.UserID {
		return reject(UserMismatch, "ticket user %d, expected %d", jt.UserID, *req.ExpectedUserID)
	}
	// usernames and appearance urls can be spoofed empty by the client, so only exact equality counts
	if req.ExpectedUsername != nil {
		if c.users == nil {
			return reject(UsernameMismatch, "no user directory configured")
		}
		name, err := c.users.GetUsername(ctx, jt.UserID)
		if err != nil {
			return &ValidationFailure{Reason: UsernameMismatch, Detail: "lookup failed", Err: err}
		}
		if name != *req.ExpectedUsername {
			return reject(UsernameMismatch, "user %d is %q, expected %q", jt.UserID, name, *req.ExpectedUsername)
		}
	}
	if req.ExpectedAppearanceURL != nil {
		if want := c.AppearanceURL(jt.UserID); *req.ExpectedAppearanceURL != want {
			return reject(AppearanceMismatch, "got %q, want %q", *req.ExpectedAppearanceURL, want)
		}
	}
	return c.checkNotInOtherGame(ctx, jt.UserID, st.ServerID)
}

func (c *Coordinator) checkNotInOtherGame(ctx context.Context, userID int64, serverID string) error {
	snap, err := c.presence.GetPresence(ctx, userID)
	if err != nil {
		return &ValidationFailure{Reason: AlreadyInOtherGame, Detail: "presence unavailable", Err: err}
	}
	if snap.Type != presence.InGame || snap.PlaceID == nil {
		return nil
	}
	games, err := c.presence.GetGamesUserIsPlaying(ctx, userID)
	if err != nil {
		return &ValidationFailure{Reason: AlreadyInOtherGame, Detail: "presence unavailable", Err: err}
	}
	others := mapset.NewThreadUnsafeSet[string]()
	for _, g := range games {
		others.Add(g.ID)
	}
	others.Remove(serverID)
	if others.Cardinality() > 0 {
		return reject(AlreadyInOtherGame, "user %d is playing on %v", userID, others.ToSlice())
	}
	return nil
}

// allocate calls the allocator at most once and stops waiting when the
// allocation timeout passes, even if the allocator ignores its context.
func (c *Coordinator) allocate(ctx context.Context, placeID int64) (*Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AllocationTimeout)
	defer cancel()

	type outcome struct {
		alloc *Allocation
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("allocator panic: %v", r)}
			}
		}()
		alloc, err := c.allocator.GetServerForPlace(ctx, placeID)
		done <- outcome{alloc: alloc, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, classifyAllocationError(placeID, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, classifyAllocationError(placeID, o.err)
		}
		switch {
		case o.alloc == nil:
			return nil, &AllocationError{Kind: Upstream, PlaceID: placeID, Err: errors.New("allocator returned no result")}
		case o.alloc.Status == StatusJoining && o.alloc.ServerID == "":
			return nil, &AllocationError{Kind: Upstream, PlaceID: placeID, Err: errors.New("allocator reported joining without a server")}
		case o.alloc.Status != StatusJoining && o.alloc.Status != StatusWaiting:
			return nil, &AllocationError{Kind: Upstream, PlaceID: placeID, Err: fmt.Errorf("allocator reported status %q", o.alloc.Status)}
		}
		return o.alloc, nil
	}
}

func classifyAllocationError(placeID int64, err error) *AllocationError {
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AllocationError{Kind: Timeout, PlaceID: placeID, Err: err}
	case errors.Is(err, ErrNoCapacity):
		return &AllocationError{Kind: NoCapacity, PlaceID: placeID, Err: err}
	}
	return &AllocationError{Kind: Upstream, PlaceID: placeID, Err: err}
}

func (c *Coordinator) issued(res *PlacementResult, alloc *Allocation, ticket string) *PlacementResult {
	job, err := c.codec.EncodeServer(tickets.ServerTicket{ServerID: alloc.ServerID, Domain: alloc.Address, PlaceID: res.PlaceID})
	if err != nil {
		return c.failed(res, &AllocationError{Kind: Upstream, PlaceID: res.PlaceID, Err: err})
	}
	res.Status = StatusJoining
	res.Job = job
	res.ServerAddress = alloc.Address
	res.Ticket = ticket
	metrics.PlacementsTotal.WithLabelValues(string(res.Status)).Inc()
	log.Info().Int64("userId", res.UserID).Int64("placeId", res.PlaceID).Str("serverId", alloc.ServerID).Str("address", alloc.Address).Msg("coordinator: ticket issued")
	return res
}

func (c *Coordinator) waiting(res *PlacementResult) *PlacementResult {
	res.Status = StatusWaiting
	metrics.PlacementsTotal.WithLabelValues(string(res.Status)).Inc()
	log.Debug().Int64("userId", res.UserID).Int64("placeId", res.PlaceID).Msg("coordinator: waiting for server")
	return res
}

func (c *Coordinator) failed(res *PlacementResult, err error) *PlacementResult {
	res.Status = StatusError
	res.Failure = err
	metrics.PlacementsTotal.WithLabelValues(string(res.Status)).Inc()
	log.Error().Err(err).Int64("userId", res.UserID).Int64("placeId", res.PlaceID).Msg("coordinator: placement failed")
	return res
}

func recordDecodeFailure(ticket string, err error) {
	if kind := tickets.KindOf(err); kind != 0 {
		metrics.TicketDecodeFailures.WithLabelValues(ticket, kind.String()).Inc()
	}
}

func rejectionReason(err error) string {
	var vf *ValidationFailure
	if errors.As(err, &vf) {
		return string(vf.Reason)
	}
	if kind := tickets.KindOf(err); kind != 0 {
		return "decode_" + kind.String()
	}
	return "internal"
}
