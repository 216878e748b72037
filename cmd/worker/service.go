package main

// Closer - kafka-консьюмер при остановке
type Closer interface {
	Close() error
}
