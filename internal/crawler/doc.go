// Package crawler defines the core storefront monitoring types, the
// interfaces implemented by fetchers, repositories, lock managers and
// notifiers, and the pagination controller that walks a store's listing
// pages.
package crawler
