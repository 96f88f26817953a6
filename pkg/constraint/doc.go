/*
Package constraint evaluates placement constraints against nodes.

Evaluate is a pure function over (constraints, node attributes): all
constraints must hold simultaneously, and a missing attribute path fails
the constraint rather than matching as a wildcard.

Device requests are the exception to purity: EvaluateDevices checks the
node's device inventory summary and the resource ledger's unreserved
unit counts, so the same request can pass one call and fail the next as
reservations come and go.

Validate catches malformed constraints (unknown operators, non-numeric
ge/le operands, bad regexes) when a specification is submitted, before
anything reaches placement.
*/
package constraint
