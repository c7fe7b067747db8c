// Package journey encodes one simulated TeaStore customer: landing page,
// login, a short browse with add-to-cart, an optional checkout, the
// profile page and logout.
package journey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/teastore/tools/loadgen/internal/client"
)

// ErrAborted is wrapped by Run when a transport failure or cancellation
// cuts a journey short.
var ErrAborted = errors.New("journey aborted")

// Value ranges of the random draws, inclusive.
const (
	MinUserID    = 1
	MaxUserID    = 99
	MinCategory  = 2
	MaxCategory  = 6
	MinPage      = 1
	MaxPage      = 5
	MinProductID = 7
	MaxProductID = 506

	// The browse loop runs from 1 up to, but excluding, a bound drawn
	// from [MinBrowseBound, MaxBrowseBound], giving 1 to 4 iterations.
	MinBrowseBound = 2
	MaxBrowseBound = 5
)

// Password is shared by every store user.
const Password = "password"

// Request names used in statistics.
const (
	NameHome      = "home"
	NameLoginPage = "login page"
	NameLogin     = "login"
	NameCategory  = "category"
	NameProduct   = "product"
	NameAddToCart = "add to cart"
	NameCheckout  = "checkout"
	NameProfile   = "profile"
	NameLogout    = "logout"
)

// Random is the source of every choice a journey makes. Bounds are
// inclusive. *gofakeit.Faker satisfies it.
type Random interface {
	IntRange(min, max int) int
	Bool() bool
}

// Session sends the requests of one journey. Cookies set by the store
// must persist between calls on the same Session.
type Session interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// Summary describes what a journey did.
type Summary struct {
	Username         int
	BrowseIterations int
	// Purchased reports whether checkout was attempted.
	Purchased bool
	// Requests counts requests that got a response.
	Requests int
	// Failures counts responses outside 2xx.
	Failures int
}

// Journey runs the scripted customer session.
//
// Thread Safety: A Journey is not safe for concurrent use because its
// Random usually is not. Use one Journey per virtual user.
type Journey struct {
	logger *zap.Logger
	rnd    Random
}

// New creates a journey that draws from rnd and logs to logger.
func New(logger *zap.Logger, rnd Random) *Journey {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journey{logger: logger, rnd: rnd}
}

// Run performs one journey on s. Steps run in a fixed order and a non-2xx
// response never stops the journey; within a browse iteration a failed
// category skips the product and cart steps, and a failed product skips
// the cart step. A transport error or cancellation aborts the rest of the
// journey with an error wrapping ErrAborted.
func (j *Journey) Run(ctx context.Context, s Session) (Summary, error) {
	r := &run{ctx: ctx, session: s, logger: j.logger}

	j.logger.Debug("starting user")

	if err := r.visitHome(); err != nil {
		return r.summary, err
	}
	if err := r.login(j.rnd); err != nil {
		return r.summary, err
	}
	if err := r.browse(j.rnd); err != nil {
		return r.summary, err
	}
	if j.rnd.Bool() {
		if err := r.buy(); err != nil {
			return r.summary, err
		}
	}
	if err := r.visitProfile(); err != nil {
		return r.summary, err
	}
	if err := r.logout(); err != nil {
		return r.summary, err
	}

	j.logger.Debug("completed user",
		zap.Int("username", r.summary.Username),
		zap.Int("browse_iterations", r.summary.BrowseIterations),
		zap.Bool("purchased", r.summary.Purchased),
		zap.Int("failures", r.summary.Failures),
	)
	return r.summary, nil
}

// run holds the state of one Run call.
type run struct {
	ctx     context.Context
	session Session
	logger  *zap.Logger
	summary Summary
}

// send issues req and reports whether the response was 2xx.
func (r *run) send(req client.Request) (*client.Response, error) {
	resp, err := r.session.Do(r.ctx, req)
	if err != nil {
		r.logger.Error("request failed",
			zap.String("request", req.Name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrAborted, req.Name, err)
	}
	r.summary.Requests++
	if !resp.OK() {
		r.summary.Failures++
	}
	return resp, nil
}

func (r *run) visitHome() error {
	resp, err := r.send(client.Request{Name: NameHome, Method: http.MethodGet, Path: "/"})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("loaded landing page")
	} else {
		r.logger.Error("could not load landing page", zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (r *run) login(rnd Random) error {
	resp, err := r.send(client.Request{Name: NameLoginPage, Method: http.MethodGet, Path: "/login"})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("loaded login page")
	} else {
		r.logger.Error("could not load login page", zap.Int("status", resp.StatusCode))
	}

	user := rnd.IntRange(MinUserID, MaxUserID)
	r.summary.Username = user

	resp, err = r.send(client.Request{
		Name:   NameLogin,
		Method: http.MethodPost,
		Path:   "/loginAction",
		Params: client.P("username", strconv.Itoa(user), "password", Password),
	})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("logged in", zap.Int("username", user))
	} else {
		r.logger.Error("could not log in", zap.Int("username", user), zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (r *run) browse(rnd Random) error {
	bound := rnd.IntRange(MinBrowseBound, MaxBrowseBound)
	for i := 1; i < bound; i++ {
		r.summary.BrowseIterations++
		if err := r.browseOnce(rnd); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) browseOnce(rnd Random) error {
	category := rnd.IntRange(MinCategory, MaxCategory)
	page := rnd.IntRange(MinPage, MaxPage)

	resp, err := r.send(client.Request{
		Name:   NameCategory,
		Method: http.MethodGet,
		Path:   "/category",
		Params: client.P("page", strconv.Itoa(page), "category", strconv.Itoa(category)),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		r.logger.Error("could not visit category",
			zap.Int("category", category), zap.Int("page", page), zap.Int("status", resp.StatusCode))
		return nil
	}
	r.logger.Info("visited category", zap.Int("category", category), zap.Int("page", page))

	product := rnd.IntRange(MinProductID, MaxProductID)
	productID := strconv.Itoa(product)

	resp, err = r.send(client.Request{
		Name:   NameProduct,
		Method: http.MethodGet,
		Path:   "/product",
		Params: client.P("id", productID),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		r.logger.Error("could not visit product", zap.Int("product", product), zap.Int("status", resp.StatusCode))
		return nil
	}
	r.logger.Info("visited product", zap.Int("product", product))

	resp, err = r.send(client.Request{
		Name:   NameAddToCart,
		Method: http.MethodPost,
		Path:   "/cartAction",
		Params: client.P("addToCart", "", "productid", productID),
	})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("added product to cart", zap.Int("product", product))
	} else {
		r.logger.Error("could not put product in cart", zap.Int("product", product), zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (r *run) buy() error {
	r.summary.Purchased = true

	resp, err := r.send(client.Request{
		Name:   NameCheckout,
		Method: http.MethodPost,
		Path:   "/cartAction",
		Params: CheckoutPayload(),
	})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("bought products")
	} else {
		r.logger.Error("could not buy products", zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (r *run) visitProfile() error {
	resp, err := r.send(client.Request{Name: NameProfile, Method: http.MethodGet, Path: "/profile"})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("visited profile page")
	} else {
		r.logger.Error("could not visit profile page", zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (r *run) logout() error {
	resp, err := r.send(client.Request{
		Name:   NameLogout,
		Method: http.MethodPost,
		Path:   "/loginAction",
		Params: client.P("logout", ""),
	})
	if err != nil {
		return err
	}
	if resp.OK() {
		r.logger.Info("logged out")
	} else {
		r.logger.Error("could not log out", zap.Int("status", resp.StatusCode))
	}
	return nil
}
