// Package event provides a small pub/sub bus used to decouple the order
// processing pipeline from observers of its progress (activity logging,
// future gateways). Handlers listen for specific events, each carrying
// the uuid of the order concerned.
package event

import (
	"fmt"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	ORDER_CLAIMED   Event = "order:claimed"
	ORDER_COMPLETED Event = "order:completed"
	ORDER_FAILED    Event = "order:failed"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes a channel and a set of events; any time
// one of those events is dispatched, a HandlerEvent is sent on the
// channel provided (non-blocking; slow consumers drop messages).
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction registers a function to a particular event;
// the function is run synchronously with the dispatch.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle: handle, async: false})
}

// RegisterAsyncHandlerFunction registers a function to a particular
// event; the function is run on its own goroutine when dispatched.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle: handle, async: true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch sends the event and payload provided to all registered
// handlers and channels for that event.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validateEvent(event); err != nil {
		log.Emit(logger.ERROR, "Dispatch of event %s failed: %v\n", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if channels, ok := handler.chanHandlers[event]; ok {
		for _, channel := range channels {
			select {
			case channel <- HandlerEvent{event, payload}:
			default:
				log.Emit(logger.WARNING, "Handler channel for event %s is full, message dropped\n", event)
			}
		}
	}
}

func (handler *eventHandler) validateEvent(event Event) error {
	switch event {
	case ORDER_CLAIMED, ORDER_COMPLETED, ORDER_FAILED:
		return nil
	default:
		return fmt.Errorf("event %s is not a known event type", event)
	}
}
