package common

// APIVersion is the hub REST and MQTT api-version the library speaks.
const APIVersion = "2020-09-30"
