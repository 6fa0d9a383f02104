// Package verify confirms the fate of listings that disappeared from a
// storefront by querying the item detail endpoint, and applies the outcome
// to the listing repository.
package verify
