package bridge

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/logging"
)

// Runner is the controller side of the bridge.
type Runner interface {
	Run(ctx context.Context) error
}

// Service is a long-running network unit. Serve returns when ctx is done
// or the service fails.
type Service interface {
	Serve(ctx context.Context) error
}

type namedService struct {
	name string
	svc  Service
}

// Supervisor runs the controller loop and the network services
// concurrently and ties their lifetimes together through a ShutdownSignal.
//
// The first unit to stop, for any reason, raises the signal; every other
// unit then winds down. Run returns once all of them have returned.
type Supervisor struct {
	controller Runner
	services   []namedService
	signal     *ShutdownSignal
	logger     logging.Logger
	errs       *errors.Handler
}

// NewSupervisor creates a supervisor around controller. A nil signal gets
// a fresh one.
func NewSupervisor(controller Runner, signal *ShutdownSignal, logger logging.Logger) *Supervisor {
	if signal == nil {
		signal = NewShutdownSignal()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("supervisor")
	return &Supervisor{
		controller: controller,
		signal:     signal,
		logger:     logger,
		errs:       errors.NewHandler(logger),
	}
}

// Add registers a service. It must be called before Run.
func (s *Supervisor) Add(name string, svc Service) {
	s.services = append(s.services, namedService{name: name, svc: svc})
}

// Signal returns the shutdown signal shared by all units.
func (s *Supervisor) Signal() *ShutdownSignal {
	return s.signal
}

// Run starts every unit and blocks until all have returned. Cancelling ctx
// raises the shutdown signal. The result is the controller's error if it
// failed, otherwise the first service error, otherwise nil.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopSignal := context.AfterFunc(ctx, s.signal.Set)
	defer stopSignal()

	var (
		wg         conc.WaitGroup
		mu         sync.Mutex
		ctrlErr    error
		serviceErr error
	)

	wg.Go(func() {
		select {
		case <-s.signal.Done():
			cancel()
		case <-ctx.Done():
		}
	})

	wg.Go(func() {
		defer s.signal.Set()
		err := s.controller.Run(ctx)
		if err != nil {
			s.errs.Handle(ctx, err)
		}
		mu.Lock()
		ctrlErr = err
		mu.Unlock()
		s.logger.Info(ctx, "Controller loop stopped")
	})

	for _, ns := range s.services {
		wg.Go(func() {
			defer s.signal.Set()
			err := ns.svc.Serve(ctx)
			if err != nil {
				s.errs.Handle(ctx, err)
				mu.Lock()
				if serviceErr == nil {
					serviceErr = err
				}
				mu.Unlock()
			}
			s.logger.Info(ctx, "Service stopped", "service", ns.name)
		})
	}

	wg.Wait()

	if ctrlErr != nil {
		return ctrlErr
	}
	return serviceErr
}
