// Package indicator computes technical indicators over a run's price series.
package indicator
