package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrChallengeDetected means the storefront served an anti-bot interstitial.
	ErrChallengeDetected = errors.New("challenge page detected")
	// ErrElementTimeout means the listing container never rendered. Not fatal.
	ErrElementTimeout = errors.New("listing element wait timed out")
	// ErrLockContention means another worker holds the store lock.
	ErrLockContention = errors.New("crawl already running")
)

// NavigationError wraps a page load failure.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// BrowserLaunchError is surfaced after the launch retry budget is spent.
type BrowserLaunchError struct {
	Attempts int
	Err      error
}

func (e *BrowserLaunchError) Error() string {
	return fmt.Sprintf("browser launch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BrowserLaunchError) Unwrap() error { return e.Err }

// PageError ties a fetch or extract failure to a page number.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }
