// Package mocks provides mock implementations for testing purposes.
package mocks

//go:generate mockgen -destination=mock_producer.go -package=mocks eventcore/internal/transport/producer Producer
