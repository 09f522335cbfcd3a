// Package fallback delivers files through the storage relay when a direct
// transfer is unavailable or fails for any reason other than a decline.
package fallback
