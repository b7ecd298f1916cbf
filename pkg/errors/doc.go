/*
Package errors provides structured error handling for the Device SDK.

It defines a standard AppError type that includes:
  - Error Code (standardized strings like NOT_FOUND, INTERNAL)
  - Message (human-readable description)
  - Underlying Error (chaining)

It also provides helpers for inspecting codes across wrapped error chains.
*/
package errors
