// Package gateway runs the pay-per-call protocol: validate and sanitize the
// request, check the sliding-window rate limit, pay the service's fixed price
// through the wallet, execute the service and record the transaction. A
// record is written only after a successful payment, and once the payment has
// gone through the remaining steps are no longer cancelled by the caller.
package gateway
