// Package live implements the live channel: tagged event variants, the
// Live Room Registry, the Membership Authorizer state machine and the
// per-connection read/write pumps.
//
// A connection is attached Unauthenticated. An authenticate event moves it
// to Authenticated and joins it to every permitted thread; join and leave
// then adjust room membership one thread at a time. Mutations performed over
// the durable interface reach rooms through Authorizer.Broadcast, and
// Authorizer.Grant makes a freshly created thread visible to the acting
// identity before its first broadcast.
package live
