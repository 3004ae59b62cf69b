// Package config loads the router process configuration.
//
// Configuration is assembled in layers:
//
//  1. Built-in defaults (Default)
//  2. YAML or JSON files added with Loader.AddLayer, in order
//  3. Environment variables prefixed with SEMROUTE_
//
// A file only overrides the fields it names. Unknown fields are rejected so
// typos fail at startup instead of silently falling back to defaults.
//
// # Example
//
//	transport:
//	  kind: mqtt
//	  subscriptions: ["sensors/#"]
//	  mqtt:
//	    broker_url: tls://broker:8883
//	    client_id: semroute-1
//	    tls:
//	      enabled: true
//	      ca_files: [/etc/semroute/ca.pem]
//	router:
//	  workers: 16
//	  module_timeout: 2s
//	definitions:
//	  seed_file: /etc/semroute/definitions.yaml
//	admin:
//	  addr: ":8080"
//	modules:
//	  - id: validate
//	    config: {require_json: true}
//	    autostart: true
//	  - id: convert-units
//	    config: {path: value, from: celsius, to: fahrenheit}
//	    autostart: true
//
// # Environment overrides
//
//	SEMROUTE_TRANSPORT_KIND                 mqtt, nats or memory
//	SEMROUTE_TRANSPORT_SUBSCRIPTIONS        comma separated filters
//	SEMROUTE_TRANSPORT_MQTT_BROKER_URL
//	SEMROUTE_TRANSPORT_MQTT_CLIENT_ID
//	SEMROUTE_TRANSPORT_MQTT_USERNAME / _PASSWORD
//	SEMROUTE_TRANSPORT_NATS_URL
//	SEMROUTE_TRANSPORT_NATS_USERNAME / _PASSWORD / _TOKEN
//	SEMROUTE_ROUTER_WORKERS / _QUEUE_SIZE / _MODULE_TIMEOUT
//	SEMROUTE_DEFINITIONS_SEED_FILE
//	SEMROUTE_DEFINITIONS_KV_ENABLED / _URL
//	SEMROUTE_ADMIN_ADDR / _OBSERVATION_BUFFER / _SHUTDOWN_TIMEOUT
package config
