package lifecycle

import "github.com/nandlabs/batchsuper/l3"

var logger = l3.Get()
