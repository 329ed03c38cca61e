// Package config loads the mailbridge YAML configuration.
//
// Environment variables in the form ${VAR_NAME} are expanded before
// parsing, so secrets stay out of the file:
//
//	engine:
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//	slack:
//	  bot_token: ${SLACK_BOT_TOKEN}
//	  channel: C01CAH729TK
//	database:
//	  path: ~/.local/share/mailbridge/bridge.db
//	dedupe:
//	  retention: 5m
//	bridge:
//	  poll_interval: 30s
//
// Duration fields accept Go duration strings ("30s", "5m").
package config
