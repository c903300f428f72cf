package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is returned when the server is stopping.
var ErrServerShuttingDown = errors.New("notification server shutting down")

// Type identifies the kind of a notification.
type Type uint8

const (
	// ProposalDownloaded is sent after contract terms were claimed and
	// stored.
	ProposalDownloaded Type = iota

	// ProposalAccepted is sent when the user confirmed a payment and the
	// purchase was committed.
	ProposalAccepted

	// ProposalRefused is sent when the user declined a proposal.
	ProposalRefused

	// ProposalOperationError is sent when downloading a proposal failed.
	ProposalOperationError

	// PayOperationSuccess is sent when the merchant confirmed a payment.
	PayOperationSuccess

	// PayOperationError is sent when a pay attempt failed.
	PayOperationError

	// RefreshGroupCreated is sent after spent coins were queued for
	// refresh.
	RefreshGroupCreated

	// WaitingForRetry is sent by the scheduler when it sleeps until the
	// next task is due.
	WaitingForRetry

	// PendingOperationProcessed is sent after the scheduler ran a task.
	PendingOperationProcessed

	// InternalError is sent when a task failed unexpectedly.
	InternalError
)

// String returns the name of the notification type.
func (t Type) String() string {
	switch t {
	case ProposalDownloaded:
		return "proposal-downloaded"
	case ProposalAccepted:
		return "proposal-accepted"
	case ProposalRefused:
		return "proposal-refused"
	case ProposalOperationError:
		return "proposal-operation-error"
	case PayOperationSuccess:
		return "pay-operation-success"
	case PayOperationError:
		return "pay-operation-error"
	case RefreshGroupCreated:
		return "refresh-group-created"
	case WaitingForRetry:
		return "waiting-for-retry"
	case PendingOperationProcessed:
		return "pending-operation-processed"
	case InternalError:
		return "internal-error"
	default:
		return fmt.Sprintf("unknown-%d", uint8(t))
	}
}

// Notification is an event observed by wallet front ends.
type Notification struct {
	Type Type

	// ProposalID is set for proposal and pay notifications.
	ProposalID string

	// RefreshGroupID is set for RefreshGroupCreated.
	RefreshGroupID string

	// TaskID names the task for scheduler notifications.
	TaskID string

	// NumPending and NumDue are set for WaitingForRetry.
	NumPending int
	NumDue     int

	// Error is set for the error notifications.
	Error *errorcodes.OperationError
}

// String returns a short description for logging.
func (n *Notification) String() string {
	switch {
	case n.ProposalID != "":
		return fmt.Sprintf("%v(%s)", n.Type, n.ProposalID)
	case n.RefreshGroupID != "":
		return fmt.Sprintf("%v(%s)", n.Type, n.RefreshGroupID)
	case n.TaskID != "":
		return fmt.Sprintf("%v(%s)", n.Type, n.TaskID)
	default:
		return n.Type.String()
	}
}

// Notifier sends notifications.
type Notifier interface {
	// Notify delivers n to all subscribers.
	Notify(n *Notification)
}

// Client receives the notifications of a subscription.
type Client struct {
	cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Updates returns the channel notifications are delivered on. Each value is
// a *Notification.
func (c *Client) Updates() <-chan interface{} {
	return c.updates.ChanOut()
}

// Quit is closed when the server stops delivering to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// Server fans notifications out to subscribed clients. Slow clients never
// block senders since every client has an unbounded queue.
type Server struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate

	updates chan *Notification

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure Server implements Notifier.
var _ Notifier = (*Server)(nil)

// NewServer creates a notification server.
func NewServer() *Server {
	return &Server{
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		updates:       make(chan *Notification),
		quit:          make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Notification server starting")

	s.wg.Add(1)
	go s.dispatcher()

	return nil
}

// Stop stops the server and all clients.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	log.Debugf("Notification server stopped")

	return nil
}

// Subscribe registers a new client.
func (s *Server) Subscribe() (*Client, error) {
	clientID := s.clientCounter.Add(1)

	client := &Client{
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case s.clientUpdates <- &clientUpdate{
				cancel:   true,
				clientID: clientID,
			}:
			case <-s.quit:
			}
		},
	}

	select {
	case s.clientUpdates <- &clientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate delivers n to every client.
func (s *Server) SendUpdate(n *Notification) error {
	select {
	case s.updates <- n:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// Notify implements Notifier. Notifications sent after shutdown are
// dropped.
func (s *Server) Notify(n *Notification) {
	log.Tracef("Notification %v", n)

	if err := s.SendUpdate(n); err != nil {
		log.Debugf("Dropping notification %v: %v", n, err)
	}
}

// dispatcher owns the client set.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) dispatcher() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.updates.Stop()
					close(client.quit)
					delete(s.clients, update.clientID)
				}

				continue
			}

			update.client.updates.Start()
			s.clients[update.clientID] = update.client

		case n := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.updates.ChanIn() <- n:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.updates.Stop()
				close(client.quit)
			}

			return
		}
	}
}

// Func adapts a function to the Notifier interface.
type Func func(n *Notification)

// Notify implements Notifier.
func (f Func) Notify(n *Notification) {
	f(n)
}

// Discard is a Notifier that drops everything.
var Discard Notifier = Func(func(*Notification) {})
