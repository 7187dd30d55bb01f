// Package models holds the client-side projections of the CRM records that
// travel over the GraphQL API and the real-time channels.
//
// Every record carries its discriminant in the "__typename" JSON field. The
// ten timeline record types form a closed set: [TimelineEvent] is sealed to
// this package and [TimelineVisitor] has one method per variant, so adding a
// variant fails compilation wherever timeline events are dispatched.
package models
