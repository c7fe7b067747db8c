// Package storefront is an in-process fake of the TeaStore WebUI. It
// serves the pages a load test journey touches, keeps cookie sessions
// with a cart, and can inject failures, so the generator can be run and
// tested without a real store.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBasePath is the context root of the TeaStore WebUI.
const DefaultBasePath = "/tools.descartes.teastore.webui"

// SessionCookie is the cookie carrying the store session.
const SessionCookie = "sessionBlob"

// Catalog bounds of the fake store.
const (
	MinUserID    = 1
	MaxUserID    = 99
	MinCategory  = 2
	MaxCategory  = 6
	MinProductID = 7
	MaxProductID = 506
	Password     = "password"
)

// checkoutFields must all be present on an order.
var checkoutFields = []string{
	"firstname", "lastname", "adress1", "adress2",
	"cardtype", "cardnumber", "expirydate", "confirm",
}

// Config configures the fake store.
type Config struct {
	// BasePath is the context root. Empty means DefaultBasePath; "/"
	// serves at the root.
	BasePath string
	// Failures maps a page ("/category", "/product", ...) to a status
	// code it always answers with.
	Failures map[string]int
	// Latency is added to every request.
	Latency time.Duration
	Logger  *zap.Logger
}

type session struct {
	username int
	cart     map[int]int
}

// Stats summarizes what the store saw.
type Stats struct {
	Logins   int64
	Logouts  int64
	CartAdds int64
	Orders   int64
	Sessions int
	PageHits map[string]int64
}

// Server is the fake TeaStore WebUI.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	basePath string
	latency  time.Duration
	logger   *zap.Logger
	engine   *gin.Engine

	mu       sync.RWMutex
	failures map[string]int
	sessions map[string]*session
	hits     map[string]int64
	logins   int64
	logouts  int64
	cartAdds int64
	orders   int64

	httpServer *http.Server
}

// New creates a fake store.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	basePath = "/" + strings.Trim(basePath, "/")
	if basePath == "/" {
		basePath = ""
	}

	s := &Server{
		basePath: basePath,
		latency:  cfg.Latency,
		logger:   cfg.Logger,
		failures: make(map[string]int, len(cfg.Failures)),
		sessions: make(map[string]*session),
		hits:     make(map[string]int64),
	}
	for page, status := range cfg.Failures {
		s.failures[page] = status
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestID())
	engine.Use(recovery(s.logger))
	engine.Use(requestLogger(s.logger))

	store := engine.Group(s.basePath)
	store.Use(s.pageStats())
	store.GET("/", s.home)
	store.GET("/login", s.loginPage)
	store.POST("/loginAction", s.loginAction)
	store.GET("/category", s.category)
	store.GET("/product", s.product)
	store.POST("/cartAction", s.cartAction)
	store.GET("/profile", s.profile)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler of the store.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// BasePath returns the normalized context root.
func (s *Server) BasePath() string {
	return s.basePath
}

// Start listens on addr and serves in the background. It returns the base
// URL of the store, e.g. "http://127.0.0.1:41234/tools.descartes.teastore.webui".
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("starting storefront: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("storefront stopped", zap.Error(err))
		}
	}()

	url := "http://" + ln.Addr().String() + s.basePath
	s.logger.Info("storefront listening", zap.String("url", url))
	return url, nil
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SetFailure makes page answer with status. A zero status clears it.
func (s *Server) SetFailure(page string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, page)
		return
	}
	s.failures[page] = status
}

// Hits returns how many requests reached page.
func (s *Server) Hits(page string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[page]
}

// Stats returns a copy of the store counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make(map[string]int64, len(s.hits))
	for k, v := range s.hits {
		hits[k] = v
	}
	return Stats{
		Logins:   s.logins,
		Logouts:  s.logouts,
		CartAdds: s.cartAdds,
		Orders:   s.orders,
		Sessions: len(s.sessions),
		PageHits: hits,
	}
}

func (s *Server) failure(page string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.failures[page]
	return status, ok
}

func (s *Server) hit(page string) {
	s.mu.Lock()
	s.hits[page]++
	s.mu.Unlock()
}

func (s *Server) cookiePath() string {
	if s.basePath == "" {
		return "/"
	}
	return s.basePath
}

// loggedIn returns the username of the request's session, or 0.
func (s *Server) loggedIn(c *gin.Context) int {
	_, sess := s.currentSession(c)
	if sess == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.username
}

// currentSession returns the session of the request, if any.
func (s *Server) currentSession(c *gin.Context) (string, *session) {
	token, err := c.Cookie(SessionCookie)
	if err != nil || token == "" {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return token, s.sessions[token]
}

// ensureSession returns the request's session or starts an anonymous one.
func (s *Server) ensureSession(c *gin.Context) *session {
	if _, sess := s.currentSession(c); sess != nil {
		return sess
	}
	token := uuid.NewString()
	sess := &session{cart: make(map[int]int)}

	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()

	c.SetCookie(SessionCookie, token, 0, s.cookiePath(), "", false, true)
	return sess
}

func (s *Server) page(c *gin.Context, title string) {
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte("<!DOCTYPE html><html><head><title>TeaStore "+title+"</title></head><body><h1>"+title+"</h1></body></html>"))
}

func (s *Server) redirectToLogin(c *gin.Context) {
	c.Redirect(http.StatusFound, s.basePath+"/login")
}

func (s *Server) home(c *gin.Context) {
	s.page(c, "Home")
}

func (s *Server) loginPage(c *gin.Context) {
	s.page(c, "Login")
}

func (s *Server) loginAction(c *gin.Context) {
	if _, ok := c.GetQuery("logout"); ok {
		token, sess := s.currentSession(c)
		if sess != nil {
			s.mu.Lock()
			delete(s.sessions, token)
			s.logouts++
			s.mu.Unlock()
		}
		c.SetCookie(SessionCookie, "", -1, s.cookiePath(), "", false, true)
		s.page(c, "Home")
		return
	}

	user, err := strconv.Atoi(c.Query("username"))
	if err != nil || user < MinUserID || user > MaxUserID || c.Query("password") != Password {
		c.String(http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess := s.ensureSession(c)
	s.mu.Lock()
	sess.username = user
	s.logins++
	s.mu.Unlock()

	s.page(c, "Home")
}

func (s *Server) category(c *gin.Context) {
	category, err := strconv.Atoi(c.Query("category"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid category")
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.String(http.StatusBadRequest, "invalid page")
		return
	}
	if category < MinCategory || category > MaxCategory {
		c.String(http.StatusNotFound, "category not found")
		return
	}
	s.page(c, fmt.Sprintf("Category %d page %d", category, page))
}

func (s *Server) product(c *gin.Context) {
	id, err := strconv.Atoi(c.Query("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid product id")
		return
	}
	if id < MinProductID || id > MaxProductID {
		c.String(http.StatusNotFound, "product not found")
		return
	}
	s.page(c, fmt.Sprintf("Product %d", id))
}

func (s *Server) cartAction(c *gin.Context) {
	if _, ok := c.GetQuery("addToCart"); ok {
		s.addToCart(c)
		return
	}
	if _, ok := c.GetQuery("confirm"); ok {
		s.checkout(c)
		return
	}
	c.String(http.StatusBadRequest, "unknown cart action")
}

func (s *Server) addToCart(c *gin.Context) {
	id, err := strconv.Atoi(c.Query("productid"))
	if err != nil || id < MinProductID || id > MaxProductID {
		c.String(http.StatusNotFound, "product not found")
		return
	}

	sess := s.ensureSession(c)
	s.mu.Lock()
	sess.cart[id]++
	s.cartAdds++
	s.mu.Unlock()

	s.page(c, "Cart")
}

func (s *Server) checkout(c *gin.Context) {
	_, sess := s.currentSession(c)
	if sess == nil || s.loggedIn(c) == 0 {
		s.redirectToLogin(c)
		return
	}
	for _, field := range checkoutFields {
		if c.Query(field) == "" {
			c.String(http.StatusBadRequest, "missing "+field)
			return
		}
	}

	s.mu.Lock()
	sess.cart = make(map[int]int)
	s.orders++
	s.mu.Unlock()

	s.page(c, "Order confirmed")
}

func (s *Server) profile(c *gin.Context) {
	user := s.loggedIn(c)
	if user == 0 {
		s.redirectToLogin(c)
		return
	}
	s.page(c, "Profile of user "+strconv.Itoa(user))
}
