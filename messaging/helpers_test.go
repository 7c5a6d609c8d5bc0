package messaging_test

import (
	"github.com/antiduh/MiniBus/tlv"
)

type namelessRequest struct{}

func (*namelessRequest) ContractID() int               { return 9099 }
func (*namelessRequest) MessageName() string           { return "" }
func (*namelessRequest) Exchange() string              { return "test-core" }
func (*namelessRequest) Save(*tlv.SaveContext)         {}
func (*namelessRequest) Parse(*tlv.ParseContext) error { return nil }

func encode(c tlv.Contract) []byte {
	return tlv.Encode(c)
}
