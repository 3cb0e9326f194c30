// Package bounce runs the SMTP listener that receives delivery status
// reports addressed to VERP return paths.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"mailcast/internal/domain"
	"mailcast/internal/ledger"
)

const DefaultBodyCap = 128 * 1024

type MailLookup interface {
	GetMail(ctx context.Context, id string) (domain.Mail, error)
}

type Ledger interface {
	UpdateStatus(ctx context.Context, mailID string, status domain.MailStatus, entry domain.LogEntry) (ledger.Outcome, error)
}

type Config struct {
	// Hosts to bind; an empty entry binds every interface.
	Hosts         []string
	Port          int
	Domain        string
	BodyCap       int64
	ReadTimeout   time.Duration
	MaxRecipients int
	// OpTimeout bounds each store call made for a session.
	OpTimeout time.Duration
}

type Server struct {
	Mails  MailLookup
	Ledger Ledger
	Log    *slog.Logger

	cfg       Config
	smtp      *smtp.Server
	mu        sync.Mutex
	listeners []net.Listener
}

func New(cfg Config, mails MailLookup, l Ledger, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = []string{""}
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	s := &Server{Mails: mails, Ledger: l, Log: log, cfg: cfg}

	srv := smtp.NewServer(s)
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.ReadTimeout
	srv.MaxRecipients = cfg.MaxRecipients
	s.smtp = srv
	return s
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	id := uuid.NewString()
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	return &Session{
		srv:   s,
		id:    id,
		log:   s.Log.With("session_id", id, "remote", remote),
		state: ReceivingEnvelope,
	}, nil
}

// Listen binds every configured host. Any bind failure closes the listeners
// opened so far and is returned.
func (s *Server) Listen() error {
	port := strconv.Itoa(s.cfg.Port)
	for _, host := range s.cfg.Hosts {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("bind %s: %w", net.JoinHostPort(host, port), err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.Log.Info("bounce listener bound", "addr", ln.Addr().String())
	}
	return nil
}

func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.listeners, func(ln net.Listener, _ int) net.Addr { return ln.Addr() })
}

// Serve accepts connections on every bound listener until Shutdown. It
// returns the first serve error.
func (s *Server) Serve() error {
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("bounce server: no listeners")
	}

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) { errCh <- s.smtp.Serve(ln) }(ln)
	}
	err := <-errCh
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

func (s *Server) bodyCap() int64 {
	if s.cfg.BodyCap <= 0 {
		return DefaultBodyCap
	}
	return s.cfg.BodyCap
}

func (s *Server) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.OpTimeout)
}

// ParseHosts splits a comma separated host list. "*" or "all" anywhere in
// the list selects every interface, returned as a single empty host.
func ParseHosts(spec string) []string {
	hosts := lo.Uniq(lo.Compact(lo.Map(strings.Split(spec, ","), func(h string, _ int) string {
		return strings.TrimSpace(h)
	})))
	if len(hosts) == 0 || lo.Contains(hosts, "*") || lo.Contains(hosts, "all") {
		return []string{""}
	}
	return hosts
}
