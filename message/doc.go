// Package message defines the unit of data flowing through pipelines.
//
// A Message is created at ingestion by a broker transport and discarded after
// the last module of each matched pipeline (or a drop decision). Its topic is
// fixed at construction; the payload and the tag set are mutable as the
// message moves through modules. Every message carries a correlation id used
// to trace it through logs and observations.
//
// The router clones a message per matched pipeline, so pipelines never see
// each other's payload or tag mutations.
package message
