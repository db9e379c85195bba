package queue

const CacheLineSize = 128
