package royale

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Monitor serves the health state of every environment instance of this
// training process over http.
type Monitor struct {
	Addr   string
	ctx    context.Context
	server *http.Server

	lock       *sync.Mutex
	envs       map[int]*Env
	leagueFunc func() interface{}
}

func NewMonitor(ctx context.Context, addr string) *Monitor {
	m := &Monitor{
		Addr: addr,
		ctx:  ctx,
		lock: new(sync.Mutex),
		envs: make(map[int]*Env),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/health", m.handleHealth)
	r.GET("/opponents", m.handleOpponents)
	r.GET("/league", m.handleLeague)
	m.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return m
}

// Register adds an environment instance under its parallel index.
func (m *Monitor) Register(e *Env) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.envs[e.config.ParallelIndex] = e
}

// SetLeagueFunc installs the callback serving the league standings. The
// league lives in the training package, the monitor only forwards it.
func (m *Monitor) SetLeagueFunc(f func() interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.leagueFunc = f
}

// Handler exposes the route tree, used by tests.
func (m *Monitor) Handler() http.Handler {
	return m.server.Handler
}

func (m *Monitor) handleHealth(c *gin.Context) {
	m.lock.Lock()
	out := make(map[int]HealthStatus, len(m.envs))
	for i, e := range m.envs {
		out[i] = e.HealthStatus()
	}
	m.lock.Unlock()
	c.JSON(http.StatusOK, out)
}

func (m *Monitor) handleOpponents(c *gin.Context) {
	m.lock.Lock()
	out := make(map[int]PoolStatus, len(m.envs))
	for i, e := range m.envs {
		if e.pool != nil {
			out[i] = e.pool.Status()
		}
	}
	m.lock.Unlock()
	c.JSON(http.StatusOK, out)
}

func (m *Monitor) handleLeague(c *gin.Context) {
	m.lock.Lock()
	f := m.leagueFunc
	m.lock.Unlock()
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no league attached"})
		return
	}
	c.JSON(http.StatusOK, f())
}

func (m *Monitor) Start() {
	go func() { // serves until shutdown
		m.server.ListenAndServe()
	}()

	go func() { // wait for the cancel signal and shutdown the server
		<-m.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}()
}
