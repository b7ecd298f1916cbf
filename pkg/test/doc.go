/*
Package test provides testing utilities for the Device SDK.

This package includes:
  - Suite: Base test suite with context and testify integration
  - Temp database helpers for store-backed tests
*/
package test
