// Package catalog maps language identifiers to their published sandbox images
// and named resource profiles.
//
// Readers work on an immutable snapshot loaded through an atomic pointer and
// never block. Writers are serialized by a single mutex and publish a fresh
// snapshot, so a reader sees either the whole update or none of it.
//
// Usage:
//
//	cat, err := catalog.New(images, profiles)
//	img, err := cat.Resolve("java")
//	profile, err := cat.Profile(img.Profile)
package catalog
