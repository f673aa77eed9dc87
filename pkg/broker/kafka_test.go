package broker

import (
	"reflect"
	"testing"

	"eventcore/pkg/config"

	"github.com/IBM/sarama"
)

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers(" a:9092, ,b:9092,")
	want := []string{"a:9092", "b:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitBrokers = %v, want %v", got, want)
	}
	if len(splitBrokers("")) != 0 {
		t.Fatal("expected no brokers for empty string")
	}
}

func TestApplySASLConfig(t *testing.T) {
	cfg := sarama.NewConfig()
	applySASLConfig(cfg, config.Kafka{})
	if cfg.Net.SASL.Enable {
		t.Fatal("SASL must stay disabled without credentials")
	}

	applySASLConfig(cfg, config.Kafka{WriterUsr: "relay", WriterUsrPwd: "secret"})
	if !cfg.Net.SASL.Enable || cfg.Net.SASL.User != "relay" || cfg.Net.SASL.Mechanism != sarama.SASLTypePlaintext {
		t.Fatalf("unexpected SASL config: %+v", cfg.Net.SASL)
	}
}
