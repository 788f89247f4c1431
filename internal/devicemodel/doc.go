// Package devicemodel resolves IoT Plug and Play device models (DTDL v2)
// and answers structural questions about them.
//
// A device announces a model identifier (DTMI) when it provisions or
// connects. The Resolver fetches the model document and the interfaces it
// depends on (components and extends) from a models repository, parses them
// into an entity Graph and keeps the result in a bounded LRU cache.
//
// # Lookup
//
// The Graph answers the questions the webhook handlers need:
//
//	prop, ok := graph.FindWritableProperty("Hostname")
//	comp, inComponent := graph.ContainingComponent(prop)
//	name := devicemodel.QualifiedName(cmd, comp) // "R700*Presets"
//
// Entities are iterated in ascending ID order, so when a name occurs in
// more than one component the first match is stable across runs. Callers
// that need a particular component use FindInComponent.
//
// # Failure model
//
// Resolve distinguishes the absent case (ErrNoModel), repository failures
// (*FetchError) and malformed documents (*ParseError). TryResolve logs any
// of these and returns nil: a missing or broken model never blocks
// provisioning or event handling.
//
// # Thread Safety
//
// Resolver and Graph are safe for concurrent use. A Graph is read-only
// once built. Concurrent resolutions of the same DTMI share one fetch.
package devicemodel
