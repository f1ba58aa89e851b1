package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	cases := []struct {
		name   string
		schema string
		doc    string
		valid  bool
	}{
		{"device", RegisterDevice, `{"deviceId":"device-001","name":"Smart Thermostat","deviceType":"Climate Control","manufacturer":"IoT Corp","firmwareVersion":"v1.0.0","location":"Living Room"}`, true},
		{"device without location", RegisterDevice, `{"deviceId":"device-001","name":"n","deviceType":"t","manufacturer":"m","firmwareVersion":"v1"}`, true},
		{"device missing name", RegisterDevice, `{"deviceId":"device-001","deviceType":"t","manufacturer":"m","firmwareVersion":"v1"}`, false},
		{"device bad id", RegisterDevice, `{"deviceId":"has space","name":"n","deviceType":"t","manufacturer":"m","firmwareVersion":"v1"}`, false},
		{"device unknown field", RegisterDevice, `{"deviceId":"d","name":"n","deviceType":"t","manufacturer":"m","firmwareVersion":"v1","owner":"x"}`, false},
		{"stream", RegisterStream, `{"streamId":"stream-001","deviceId":"device-001","streamType":"Temperature","description":"Indoor","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":5000,"requiresVerification":false}`, true},
		{"stream negative price", RegisterStream, `{"streamId":"s","deviceId":"d","streamType":"t","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":-1}`, false},
		{"stream fractional price", RegisterStream, `{"streamId":"s","deviceId":"d","streamType":"t","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":1.5}`, false},
		{"stream price at bigint max", RegisterStream, `{"streamId":"s","deviceId":"d","streamType":"t","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":9223372036854775807}`, true},
		{"stream price past bigint", RegisterStream, `{"streamId":"s","deviceId":"d","streamType":"t","dataFormat":"JSON","updateFrequency":10,"pricePerAccess":9223372036854775808}`, false},
		{"stream frequency past bigint", RegisterStream, `{"streamId":"s","deviceId":"d","streamType":"t","dataFormat":"JSON","updateFrequency":18446744073709551615,"pricePerAccess":1000}`, false},
		{"access", RequestAccess, `{"duration":144}`, true},
		{"access zero duration", RequestAccess, `{"duration":0}`, false},
		{"access string duration", RequestAccess, `{"duration":"144"}`, false},
		{"fee", UpdatePlatformFee, `{"rateBps":50}`, true},
		{"fee above 100%", UpdatePlatformFee, `{"rateBps":10001}`, false},
		{"min price", UpdateMinAccessPrice, `{"price":2000}`, true},
		{"min price past bigint", UpdateMinAccessPrice, `{"price":9223372036854775808}`, false},
		{"access duration past bigint", RequestAccess, `{"duration":9223372036854775808}`, false},
		{"fund", FundAccount, `{"principal":"did:example:bob","amount":100000}`, true},
		{"fund zero", FundAccount, `{"principal":"did:example:bob","amount":0}`, false},
		{"fund missing principal", FundAccount, `{"amount":100}`, false},
		{"fund past bigint", FundAccount, `{"principal":"did:example:bob","amount":9223372036854775808}`, false},
		{"malformed json", UpdateMinAccessPrice, `{"price":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			version, err := v.Validate(tc.schema, []byte(tc.doc))
			if tc.valid {
				require.NoError(t, err)
				assert.Equal(t, "1.0.0", version)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.NotEmpty(t, verr.Issues)
		})
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate("com.registryaccord.feed.post", []byte(`{}`))
	assert.Error(t, err)
}
