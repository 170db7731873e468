package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type PoolConfig struct {
	Credential string `yaml:"credential" json:"-"`
	// BasePort is the port of the first slot; slot i serves BasePort+i.
	BasePort int `yaml:"base_port" json:"base_port"`
	Size     int `yaml:"size" json:"size"`
}

type slot struct {
	port    int
	leased  bool
	leaseID string
	proc    Process
	// starting is set while the launcher runs outside the pool lock.
	starting bool
}

// Pool owns a fixed set of simulator slots. No two outstanding leases ever
// reference the same port.
type Pool struct {
	mtx      sync.Mutex
	config   PoolConfig
	slots    map[int]*slot
	order    []int
	launcher Launcher
	metrics  *Metrics
	logger   *logrus.Entry
}

// NewPool creates the slots. A nil launcher attaches to simulators started
// out of band, which are then assumed alive.
func NewPool(config PoolConfig, launcher Launcher, metrics *Metrics, logger *logrus.Entry) (*Pool, error) {
	if config.Size <= 0 {
		return nil, fmt.Errorf("broker: pool size must be positive, got %d", config.Size)
	}
	if config.BasePort <= 0 || config.BasePort+config.Size-1 > 65535 {
		return nil, fmt.Errorf("broker: invalid port range starting at %d", config.BasePort)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		config:   config,
		slots:    make(map[int]*slot, config.Size),
		order:    make([]int, 0, config.Size),
		launcher: launcher,
		metrics:  metrics,
		logger:   logger.WithField("component", "pool"),
	}
	for i := 0; i < config.Size; i++ {
		port := config.BasePort + i
		p.slots[port] = &slot{port: port}
		p.order = append(p.order, port)
	}
	return p, nil
}

func (p *Pool) authorized(credential string) bool {
	return subtle.ConstantTimeCompare([]byte(credential), []byte(p.config.Credential)) == 1
}

// Handle dispatches one decoded request.
func (p *Pool) Handle(ctx context.Context, req Request) Response {
	if !p.authorized(req.Credential) {
		return failResponse(StatusUnauthorized, ErrUnauthorized.Error())
	}
	if req.Kind == KindAcquire {
		return p.Acquire(ctx)
	}
	if req.Port == nil {
		return failResponse(StatusError, fmt.Sprintf("%s requires a port", req.Kind))
	}
	switch req.Kind {
	case KindPing:
		return p.Ping(*req.Port)
	case KindRelease:
		return p.Release(*req.Port)
	case KindKill:
		return p.Kill(*req.Port)
	}
	return failResponse(StatusError, fmt.Sprintf("unknown request kind %q", req.Kind))
}

// Acquire leases a free slot and makes sure its simulator runs. A null port
// is returned when every slot is leased or the simulator fails to start.
func (p *Pool) Acquire(ctx context.Context) Response {
	p.mtx.Lock()
	var s *slot
	for _, port := range p.order {
		if cand := p.slots[port]; !cand.leased && !cand.starting {
			s = cand
			break
		}
	}
	if s == nil {
		p.mtx.Unlock()
		return failResponse(StatusExhausted, ErrPoolExhausted.Error())
	}
	s.leased = true
	s.leaseID = uuid.NewString()
	needStart := p.launcher != nil && (s.proc == nil || !s.proc.Alive())
	if needStart {
		s.starting = true
	}
	p.metrics.setLeased(p.leasedLocked())
	p.mtx.Unlock()

	log := p.logger.WithFields(logrus.Fields{"port": s.port, "lease_id": s.leaseID})
	if needStart {
		proc, err := p.launcher.Start(ctx, s.port)
		p.metrics.launched(err)
		p.mtx.Lock()
		s.starting = false
		if err != nil {
			s.leased = false
			s.leaseID = ""
			p.metrics.setLeased(p.leasedLocked())
			p.mtx.Unlock()
			log.WithError(err).Error("could not start simulator")
			return failResponse(StatusLaunchFailed, err.Error())
		}
		if !s.leased {
			// killed while starting
			p.mtx.Unlock()
			proc.Stop()
			return failResponse(StatusLaunchFailed, "slot killed during startup")
		}
		s.proc = proc
		p.mtx.Unlock()
	}
	log.Info("slot leased")
	return okResponse(s.port)
}

func (p *Pool) Ping(port int) Response {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	s, ok := p.slots[port]
	if !ok {
		return failResponse(StatusUnknownPort, fmt.Sprintf("port %d not in pool", port))
	}
	if !s.leased {
		return failResponse(StatusError, fmt.Sprintf("port %d is not leased", port))
	}
	if p.launcher != nil && (s.proc == nil || !s.proc.Alive()) {
		return failResponse(StatusDead, fmt.Sprintf("simulator on port %d is not running", port))
	}
	return okResponse(port)
}

// Release returns the slot to the free pool and leaves its simulator
// running. Releasing a free slot is a no-op.
func (p *Pool) Release(port int) Response {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	s, ok := p.slots[port]
	if !ok {
		return failResponse(StatusUnknownPort, fmt.Sprintf("port %d not in pool", port))
	}
	if s.leased {
		p.logger.WithFields(logrus.Fields{"port": port, "lease_id": s.leaseID}).Info("slot released")
	}
	s.leased = false
	s.leaseID = ""
	p.metrics.setLeased(p.leasedLocked())
	return okResponse(port)
}

// Kill terminates the slot's simulator and frees the slot unconditionally.
func (p *Pool) Kill(port int) Response {
	p.mtx.Lock()
	s, ok := p.slots[port]
	if !ok {
		p.mtx.Unlock()
		return failResponse(StatusUnknownPort, fmt.Sprintf("port %d not in pool", port))
	}
	proc := s.proc
	s.proc = nil
	s.leased = false
	s.leaseID = ""
	p.metrics.setLeased(p.leasedLocked())
	p.mtx.Unlock()

	if proc != nil {
		if err := proc.Stop(); err != nil {
			p.logger.WithError(err).WithField("port", port).Warn("stopping simulator")
		}
	}
	p.logger.WithField("port", port).Info("slot killed")
	return okResponse(port)
}

// Leased returns the ports currently leased, ascending.
func (p *Pool) Leased() []int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]int, 0)
	for port, s := range p.slots {
		if s.leased {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

func (p *Pool) leasedLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.leased {
			n++
		}
	}
	return n
}

// Close stops every running simulator and frees all slots.
func (p *Pool) Close() error {
	p.mtx.Lock()
	procs := make([]Process, 0)
	for _, s := range p.slots {
		if s.proc != nil {
			procs = append(procs, s.proc)
		}
		s.proc = nil
		s.leased = false
		s.leaseID = ""
	}
	p.metrics.setLeased(0)
	p.mtx.Unlock()

	var errs []error
	for _, proc := range procs {
		if err := proc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
