// Package ratelimit gates outbound model rounds on a shared token and
// request budget.
//
// A single [Limiter] is constructed per process and injected into every
// engine that talks to the same endpoint. Callers suspend in
// [Limiter.WaitForCapacity] until the current window has room for their
// estimated tokens and no penalty window is active. Throttling signals from
// the endpoint extend the penalty window through [Limiter.Penalize], and
// server-reported limits adapt the budget through [Limiter.UpdateLimits].
//
// Capacity is always eventually granted: the window refills on a fixed
// cadence and estimates larger than the whole window are clamped to it.
package ratelimit
