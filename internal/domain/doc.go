// Package domain defines the core business types for the bulk contact
// synchronization service.
//
// Types in this package are pure value objects with no behavior beyond
// validation, no database dependencies, and no HTTP concerns. They are the
// shared language between the orchestrator, the API surface, and the client
// driver.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Validation functions are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
