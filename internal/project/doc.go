// Package project describes the local app project that applink synchronizes.
//
// # Manifest
//
// Every project has a manifest.json at its root naming the app:
//
//	{
//	  // comments are tolerated
//	  "vendor": "acme",
//	  "name": "storefront",
//	  "version": "1.4.0",
//	  "builders": {"react": "3.x", "node": "6.x"}
//	}
//
// The manifest yields the Locator (acme.storefront@1.4.0) that scopes uploads
// and the event-stream subject (acme.storefront).
//
// # File Selection
//
// Matcher decides which paths are eligible for upload. Rules apply in order:
//
//  1. Built-in ignores: VCS metadata, editor files, node_modules at any depth,
//     lockfiles.
//  2. Patterns from .linkignore at the project root. Each line is trimmed,
//     blank lines and # comments are skipped and a trailing "/" becomes "/**".
//     Patterns use doublestar syntax; a pattern without a slash also matches
//     the base name at any depth.
//  3. manifest.json and the top-level config files are always eligible.
//
// Enumerate walks the tree and returns the eligible non-empty regular files.
// Empty files are left out of the initial snapshot only; the watcher still
// reports a file truncated to zero bytes as a save.
package project
