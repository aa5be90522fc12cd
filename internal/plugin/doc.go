// Package plugin defines the extension mechanism: plugins implement a small
// capability contract and register hook functions at four pipeline points,
// each carrying an explicit owner identity and priority. Chains run in
// ascending priority order and every hook may pass, rewrite, or intercept.
package plugin
