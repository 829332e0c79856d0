// Package wallet defines the narrow payment capability the gateway depends on:
// balance lookup and USDC transfer, plus optional provisioning. Concrete
// implementations live in the simulated wallet here and in the circle and evm
// subpackages; Guard wraps any of them so that remote failures, timeouts and
// panics come back as a structured TransferResult.
package wallet
