package sentryutil

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/orbit-so/go-orbit/util"
)

const errorContextName = "error context"

type errorContext struct {
	Mapped   bool
	MappedTo string
}

func ReportRemappedError(ctx context.Context, originalErr error, remappedErr interface{}) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		logger.For(ctx).Warnln("could not report error to Sentry because hub is nil")
		return
	}

	// Use a new scope so our error context and tag don't persist beyond this error
	hub.WithScope(func(scope *sentry.Scope) {
		if remappedErr != nil {
			SetErrorContext(scope, true, fmt.Sprintf("%T", remappedErr))
			scope.SetTag("remappedError", "true")
		} else {
			SetErrorContext(scope, false, "")
		}

		hub.CaptureException(originalErr)
	})
}

func ReportError(ctx context.Context, err error) {
	ReportRemappedError(ctx, err, nil)
}

// ScrubEventCookies drops request cookies entirely; nothing in them is useful
// for diagnosing a failure in this service.
func ScrubEventCookies(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	delete(event.Request.Headers, "Cookie")
	return event
}

func UpdateErrorFingerprints(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || hint == nil || hint.OriginalException == nil {
		return event
	}

	// This is a hacky way to do this -- we'd rather check the actual type than a string, but
	// the errors.errorString type isn't exported and we'd really like a way to separate those
	// errors on Sentry. It's not very useful to group every error created with errors.New().
	exceptionType := fmt.Sprintf("%T", hint.OriginalException)
	if exceptionType == "*errors.errorString" {
		event.Fingerprint = []string{"{{ default }}", hint.OriginalException.Error()}
	}

	return event
}

func SetErrorContext(scope *sentry.Scope, mapped bool, mappedTo string) {
	errCtx := errorContext{
		Mapped:   mapped,
		MappedTo: mappedTo,
	}

	scope.SetContext(errorContextName, errCtx)
}

func NewSentryHubContext(ctx context.Context, hub *sentry.Hub) context.Context {
	var cpy *sentry.Hub

	if hub != nil {
		cpy = hub.Clone()
	}

	return sentry.SetHubOnContext(ctx, cpy)
}

// SentryHubFromContext gets a Hub from the supplied context, or from an underlying
// gin.Context if one is available.
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	// Get a hub via Sentry's standard mechanism if possible
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}

	// Otherwise, see if there's a hub stored on the gin context
	gc := util.GinContextFromContext(ctx)
	if hub := sentrygin.GetHubFromContext(gc); hub != nil {
		return hub
	}

	return nil
}
